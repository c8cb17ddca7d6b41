package idempotency

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"ticketmint/internal/logging"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const (
	HeaderKey      = "X-Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"
)

// Replayer caches successful responses by X-Idempotency-Key. Requests without
// the header pass straight through.
type Replayer struct {
	store    Store
	window   time.Duration
	log      *zerolog.Logger
	onReplay func(r *http.Request)
	now      func() time.Time
}

// NewReplayer returns a Replayer. onReplay may be nil.
func NewReplayer(store Store, window time.Duration, log *zerolog.Logger, onReplay func(r *http.Request)) *Replayer {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Replayer{
		store:    store,
		window:   window,
		log:      logging.Component(log, "idempotency"),
		onReplay: onReplay,
		now:      time.Now,
	}
}

func (rp *Replayer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientKey := strings.TrimSpace(r.Header.Get(HeaderKey))
		if clientKey == "" || rp.store == nil {
			next.ServeHTTP(w, r)
			return
		}

		body, err := readBody(r)
		if err != nil {
			http.Error(w, "unreadable request body", http.StatusBadRequest)
			return
		}
		key := r.URL.Path + " " + clientKey
		hash := HashRequest(r.Method, r.URL.Path, body)
		ctx := r.Context()

		existing, err := rp.store.Get(ctx, key)
		if err != nil {
			rp.log.Warn().Err(err).Str("path", r.URL.Path).Msg("idempotency lookup failed, serving request")
		}
		if existing != nil {
			if !existing.Matches(hash) {
				http.Error(w, ErrKeyReused.Error(), http.StatusUnprocessableEntity)
				return
			}
			if rp.onReplay != nil {
				rp.onReplay(r)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(HeaderReplayed, "true")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			return
		}

		var buf bytes.Buffer
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Tee(&buf)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status < 200 || status >= 300 {
			return
		}
		now := rp.now()
		rec := Record{
			StatusCode:  status,
			Response:    buf.Bytes(),
			RequestHash: hash,
			CreatedAt:   now,
			ExpiresAt:   now.Add(rp.window),
		}
		if err := rp.store.Save(ctx, key, rec); err != nil {
			rp.log.Warn().Err(err).Str("path", r.URL.Path).Msg("save idempotency record failed")
		}
	})
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
