// Package dummy is a small HTTP application to benchmark the harness
// against.
package dummy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"time"
)

type ServerConfig struct {
	Port int
	// Started is when the process started, reported once serving
	Started time.Time
	Out     io.Writer
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Hello, World!"))
	})

	// 1. Fast Endpoint (10-50ms)
	mux.HandleFunc("/fast", func(w http.ResponseWriter, r *http.Request) {
		jitter := time.Duration(rand.Intn(40)+10) * time.Millisecond
		time.Sleep(jitter)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Fast response"))
	})

	// 2. Slow Endpoint (1s-2s)
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		jitter := time.Duration(rand.Intn(1000)+1000) * time.Millisecond
		time.Sleep(jitter)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Slow response"))
	})

	// 3. Spike Endpoint (Usually fast, randomly very slow)
	// P99 will be terrible, P50 will be fine.
	mux.HandleFunc("/spike", func(w http.ResponseWriter, r *http.Request) {
		if rand.Float32() < 0.05 {
			time.Sleep(2 * time.Second)
		} else {
			time.Sleep(20 * time.Millisecond)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Spikey response"))
	})

	// 4. Error Endpoint (Random failures)
	mux.HandleFunc("/error", func(w http.ResponseWriter, r *http.Request) {
		if rand.Float32() < 0.2 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("500 Internal Server Error"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// Run listens on the configured port and serves until ctx is done.
func Run(ctx context.Context, cfg ServerConfig) error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return err
	}
	return Serve(ctx, l, cfg)
}

// Serve prints the startup line the harness recognizes and serves on l
// until ctx is done.
func Serve(ctx context.Context, l net.Listener, cfg ServerConfig) error {
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	if cfg.Started.IsZero() {
		cfg.Started = time.Now()
	}
	server := &http.Server{Handler: newMux()}

	errc := make(chan error, 1)
	go func() {
		errc <- server.Serve(l)
	}()
	fmt.Fprintf(out, "Basic Hello-World HttpServer started after %dms!\n", time.Since(cfg.Started).Milliseconds())
	fmt.Fprintf(out, "Dummy Server running on http://%s\n", l.Addr())
	fmt.Fprintln(out, "   Endpoints: /, /fast, /slow, /spike, /error")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
