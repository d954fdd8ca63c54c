package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/crypto/bcrypt"

	"github.com/MahmoudG25/Local-Media-Server/internal/approval"
	"github.com/MahmoudG25/Local-Media-Server/internal/config"
	"github.com/MahmoudG25/Local-Media-Server/internal/httpserver"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if len(os.Args) > 1 && os.Args[1] == "passwd" {
		passwdCmd(os.Args[2:])
		return
	}

	var (
		addr    = flag.String("addr", config.DefaultAddr, "listen address")
		root    = flag.String("root", "", "media root directory (required if -config is not set)")
		cfgPath = flag.String("config", "", "path to config json (optional)")
	)
	flag.Parse()

	var cfg config.Config
	if *cfgPath != "" {
		b, err := os.ReadFile(*cfgPath)
		if err != nil {
			log.Fatalf("read config: %v", err)
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			log.Fatalf("parse config: %v", err)
		}
	} else {
		if strings.TrimSpace(*root) == "" {
			log.Fatalf("missing -root (or provide -config)")
		}
		cfg.Root = *root
	}
	if *addr != config.DefaultAddr || cfg.Addr == "" {
		cfg.Addr = *addr
	}

	if cfg.Root == "" {
		log.Fatalf("config: root is required")
	}
	absRoot, err := filepath.Abs(cfg.Root)
	if err != nil {
		log.Fatalf("abs root: %v", err)
	}
	cfg.Root = absRoot
	cfg.ApplyDefaults()

	srv, err := httpserver.New(httpserver.Options{Config: cfg})
	if err != nil {
		log.Fatalf("server init: %v", err)
	}

	// Operator-facing context: consumes upload notices off the approval
	// queue without ever blocking the serving goroutines.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go operatorLoop(ctx, srv.Approvals())

	log.Printf("mediaserv listening on http://%s (root=%s)", cfg.Addr, cfg.Root)
	if cfg.PasswordBcrypt != "" {
		log.Printf("shared credential enabled (username %q)", "user")
	}
	if err := http.ListenAndServe(cfg.Addr, withHeaders(srv.Handler())); err != nil {
		log.Fatalf("listen: %v", err)
	}
}

// operatorLoop surfaces pending uploads to the operator's terminal. The
// decision itself goes through the loopback-only admin routes.
func operatorLoop(ctx context.Context, q *approval.Queue) {
	for {
		n, err := q.Receive(ctx)
		if err != nil {
			return
		}
		log.Printf("upload pending id=%s name=%q dest=%q size=%d from=%s", n.ID, n.Name, n.DestRel, n.Size, n.ClientAddr)
		log.Printf("  resolve from this host: POST /admin/approve/%s or /admin/reject/%s", n.ID, n.ID)
	}
}

func passwdCmd(args []string) {
	fs := flag.NewFlagSet("passwd", flag.ExitOnError)
	var (
		password = fs.String("p", "", "password (required)")
		cost     = fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	)
	_ = fs.Parse(args)
	if *password == "" {
		fmt.Fprintln(os.Stderr, "usage: mediaserv passwd -p <password>")
		os.Exit(2)
	}
	if *cost < bcrypt.MinCost || *cost > bcrypt.MaxCost {
		fmt.Fprintf(os.Stderr, "invalid cost %d (min=%d max=%d)\n", *cost, bcrypt.MinCost, bcrypt.MaxCost)
		os.Exit(2)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(*password), *cost)
	if err != nil {
		log.Fatalf("bcrypt: %v", err)
	}
	fmt.Println(string(h))
}

func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Basic hardening / UX.
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")

		if r.URL.Path == "/thumb" {
			w.Header().Set("Cache-Control", "public, max-age=3600")
		} else {
			w.Header().Set("Cache-Control", "no-store")
		}

		next.ServeHTTP(w, r)
	})
}
