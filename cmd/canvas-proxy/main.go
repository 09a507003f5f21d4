// Command canvas-proxy exposes the Canvas client over HTTP. Requests under
// /api/ are forwarded through the client pipeline; GET requests with
// all_pages=true return every page of a collection in one response.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/canvas-client/pkg/client"
	"github.com/Sternrassler/canvas-client/pkg/config"
	"github.com/Sternrassler/canvas-client/pkg/logging"
	"github.com/Sternrassler/canvas-client/pkg/metrics"
	"github.com/Sternrassler/canvas-client/pkg/pagination"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// EnvConfigPath names an optional YAML configuration file.
const EnvConfigPath = "CANVAS_CONFIG"

// ParamAllPages requests aggregation of every page.
const ParamAllPages = "all_pages"

// HeaderTruncated marks an aggregated collection that stopped early.
const HeaderTruncated = "X-Canvas-Truncated"

// maxRequestBody limits forwarded request bodies.
const maxRequestBody = 10 << 20

// forwardedHeaders are copied from Canvas responses.
var forwardedHeaders = []string{
	"Content-Type",
	"Link",
	"X-Rate-Limit-Remaining",
	"X-Request-Cost",
	client.HeaderRequestID,
}

func main() {
	cfg, err := config.Load(os.Getenv(EnvConfigPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.LoggerConfig(logging.ComponentProxy))

	ctx := context.Background()
	store, rdb, err := cfg.OpenTokenStore(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open token store")
	}
	if rdb != nil {
		defer rdb.Close()
		logger.Info().Str("key", cfg.Redis.TokenKey).Msg("Using Redis token store")
	}

	clientCfg := cfg.ClientConfig(store)
	clientLogger := logging.Component(logger, logging.ComponentClient)
	clientCfg.Logger = &clientLogger

	canvasClient, err := client.New(clientCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Canvas client")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newHandler(canvasClient, rdb, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("base_url", canvasClient.BaseURL()).
			Strs("middleware", canvasClient.Pipeline().Names()).
			Msg("Starting Canvas proxy")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
	}
	logger.Info().Msg("Canvas proxy stopped")
}

// newHandler builds the routes wrapped in access logging. rdb may be nil.
func newHandler(c *client.Client, rdb *redis.Client, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(rdb))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/", proxyHandler(c))

	return hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("request served")
		})(
			hlog.RequestIDHandler("req_id", "X-Request-ID")(mux),
		),
	)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler reports whether the token store is reachable.
func readyHandler(rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rdb != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := rdb.Ping(ctx).Err(); err != nil {
				http.Error(w, "token store unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

func proxyHandler(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := hlog.FromRequest(r)

		query := r.URL.Query()
		allPages, _ := strconv.ParseBool(query.Get(ParamAllPages))
		query.Del(ParamAllPages)

		var opts []client.RequestOption
		if id := r.Header.Get("X-Request-ID"); id != "" {
			opts = append(opts, client.WithHeader(client.HeaderRequestID, id))
		} else if id, ok := hlog.IDFromRequest(r); ok {
			opts = append(opts, client.WithHeader(client.HeaderRequestID, id.String()))
		}

		if allPages {
			if r.Method != http.MethodGet {
				writeError(w, http.StatusBadRequest, "all_pages is only supported for GET")
				return
			}
			aggregate(w, r, c, query, opts, logger)
			return
		}

		var body []byte
		if r.Body != nil {
			b, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
			if err != nil {
				writeError(w, http.StatusBadRequest, "read request body")
				return
			}
			body = b
		}
		if ct := r.Header.Get("Content-Type"); ct != "" {
			opts = append(opts, client.WithHeader("Content-Type", ct))
		}

		resp, err := c.Request(r.Context(), r.Method, r.URL.Path, query, body, opts...)
		if resp != nil {
			writeResponse(w, resp)
			return
		}
		writeClientError(w, err, logger)
	}
}

// aggregate answers with every page of the collection.
func aggregate(w http.ResponseWriter, r *http.Request, c *client.Client, query url.Values, opts []client.RequestOption, logger *zerolog.Logger) {
	first, err := c.GetPaginated(r.Context(), r.URL.Path, query, opts...)
	if err != nil {
		var cErr *client.Error
		if errors.As(err, &cErr) && cErr.StatusCode != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cErr.StatusCode)
			w.Write(cErr.Body)
			return
		}
		writeClientError(w, err, logger)
		return
	}

	agg, err := first.FetchAllPages(r.Context())
	if agg == nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	out := struct {
		Data      []json.RawMessage `json:"data"`
		Pages     int               `json:"pages"`
		Truncated bool              `json:"truncated"`
		Error     string            `json:"error,omitempty"`
	}{
		Data:      agg.Items,
		Pages:     agg.Pages,
		Truncated: agg.Truncated,
	}
	if out.Data == nil {
		out.Data = []json.RawMessage{}
	}
	if errors.Is(err, pagination.ErrTruncated) {
		w.Header().Set(HeaderTruncated, "true")
	}
	if err != nil {
		out.Error = err.Error()
		logger.Warn().Err(err).Int("pages", agg.Pages).Msg("Returning truncated collection")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(out)
}

func writeResponse(w http.ResponseWriter, resp *client.Response) {
	for _, name := range forwardedHeaders {
		if v := resp.Header.Values(name); len(v) > 0 {
			w.Header()[http.CanonicalHeaderKey(name)] = v
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// writeClientError maps pipeline failures to proxy statuses.
func writeClientError(w http.ResponseWriter, err error, logger *zerolog.Logger) {
	var rlErr *client.RateLimitError
	var cErr *client.Error

	switch {
	case errors.As(err, &rlErr):
		if rlErr.Wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rlErr.Wait.Seconds()))))
		}
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, client.ErrContextCancelled), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &cErr) && cErr.ErrorClass == client.ErrorClassAuth:
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.As(err, &cErr) && cErr.StatusCode != 0:
		writeError(w, cErr.StatusCode, err.Error())
	default:
		logger.Error().Err(err).Msg("Canvas request failed")
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": strings.TrimSpace(msg)})
}
