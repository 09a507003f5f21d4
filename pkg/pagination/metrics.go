package pagination

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_pagination_pages_fetched_total",
		Help: "Pages fetched by Link relation navigation by relation",
	}, []string{"rel"})

	traversalsTruncatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_pagination_truncated_total",
		Help: "FetchAllPages traversals that stopped before the last page by reason",
	}, []string{"reason"}) // "error", "max_pages", "cycle"
)
