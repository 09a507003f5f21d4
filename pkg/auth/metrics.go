package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RefreshesTotal tracks token exchanges by result
	RefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_oauth2_refreshes_total",
			Help: "Total number of OAuth2 refresh token exchanges",
		},
		[]string{"result"}, // "success", "failure"
	)

	// RefreshShared tracks callers served by another caller's refresh
	RefreshShared = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canvas_oauth2_refresh_shared_total",
			Help: "Total number of refresh calls that reused an in-flight or completed refresh",
		},
	)

	// StoreErrors tracks token store operation errors
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_token_store_errors_total",
			Help: "Total number of token store operation errors",
		},
		[]string{"operation"}, // "load", "save", "delete"
	)
)
