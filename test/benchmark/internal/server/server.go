package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/albertbausili/egresscel/pkg/celeris"
	"github.com/gin-gonic/gin"
	"github.com/go-chi/chi/v5"
	"github.com/gofiber/fiber/v2"
	"github.com/kataras/iris/v12"
	"github.com/labstack/echo/v4"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Handle represents a running server and how to stop it.
type Handle struct {
	Addr string
	Stop func(context.Context) error
}

// Start initializes and starts a server for the specified framework and scenario.
// mode can be: "http1", "http2", or "hybrid"
func Start(framework, scenario, mode string) *Handle {
	// Every framework, Celeris included, is started on a free port chosen here.
	addr := freePort()

	switch framework {
	case "nethttp":
		return startNetHTTP(addr, scenario, mode)
	case "gin":
		return startGin(addr, scenario, mode)
	case "echo":
		return startEcho(addr, scenario, mode)
	case "chi":
		return startChi(addr, scenario, mode)
	case "fiber":
		return startFiber(addr, scenario, mode)
	case "iris":
		return startIris(addr, scenario, mode)
	case "celeris":
		return startCeleris(addr, scenario, mode)
	default:
		return nil
	}
}

// freePort returns an available TCP address as ":port".
func freePort() string {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		panic(err)
	}
	defer ln.Close()
	addr := ln.Addr().String()
	i := strings.LastIndex(addr, ":")
	if i == -1 {
		return ":0"
	}
	return addr[i:]
}

func startNetHTTP(addr string, scenario, mode string) *Handle {
	mux := http.NewServeMux()
	switch scenario {
	case "simple":
		mux.HandleFunc("/bench", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ok"))
		})
	case "json":
		mux.HandleFunc("/json", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte("{\"status\":\"ok\",\"code\":200}"))
		})
	case "params":
		mux.HandleFunc("/users/", func(w http.ResponseWriter, r *http.Request) {
			// Basic parsing for standard net/http
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte("{\"user_id\":\"123\",\"post_id\":\"456\"}"))
		})
	}

	var srv *http.Server
	if mode == "http2" || mode == "hybrid" {
		h2s := &http2.Server{}
		handler := h2c.NewHandler(mux, h2s)
		srv = &http.Server{Addr: addr, Handler: handler}
	} else {
		srv = &http.Server{Addr: addr, Handler: mux}
	}

	go func() { _ = srv.ListenAndServe() }()
	time.Sleep(200 * time.Millisecond)
	return &Handle{Addr: srv.Addr, Stop: srv.Shutdown}
}

func startGin(addr string, scenario, mode string) *Handle {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	switch scenario {
	case "simple":
		r.GET("/bench", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	case "json":
		r.GET("/json", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "code": 200})
		})
	case "params":
		r.GET("/users/:userId/posts/:postId", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"user_id": c.Param("userId"),
				"post_id": c.Param("postId"),
			})
		})
	}

	var srv *http.Server
	if mode == "http2" || mode == "hybrid" {
		h2s := &http2.Server{}
		handler := h2c.NewHandler(r, h2s)
		srv = &http.Server{Addr: addr, Handler: handler}
	} else {
		srv = &http.Server{Addr: addr, Handler: r}
	}

	go func() { _ = srv.ListenAndServe() }()
	time.Sleep(200 * time.Millisecond)
	return &Handle{Addr: srv.Addr, Stop: srv.Shutdown}
}

func startEcho(addr string, scenario, mode string) *Handle {
	e := echo.New()
	e.HideBanner, e.HidePort = true, true
	switch scenario {
	case "simple":
		e.GET("/bench", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	case "json":
		e.GET("/json", func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]any{"status": "ok", "code": 200})
		})
	case "params":
		e.GET("/users/:userId/posts/:postId", func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]string{
				"user_id": c.Param("userId"),
				"post_id": c.Param("postId"),
			})
		})
	}

	if mode == "http2" || mode == "hybrid" {
		h2s := &http2.Server{}
		handler := h2c.NewHandler(e, h2s)
		srv := &http.Server{Addr: addr, Handler: handler}
		go func() { _ = srv.ListenAndServe() }()
		time.Sleep(200 * time.Millisecond)
		return &Handle{Addr: addr, Stop: func(ctx context.Context) error { return srv.Shutdown(ctx) }}
	}

	go func() { _ = e.Start(addr) }()
	time.Sleep(200 * time.Millisecond)
	return &Handle{Addr: addr, Stop: func(ctx context.Context) error { return e.Shutdown(ctx) }}
}

func startChi(addr string, scenario, mode string) *Handle {
	r := chi.NewRouter()
	switch scenario {
	case "simple":
		r.Get("/bench", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ok"))
		})
	case "json":
		r.Get("/json", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte("{\"status\":\"ok\",\"code\":200}"))
		})
	case "params":
		r.Get("/users/{userId}/posts/{postId}", func(w http.ResponseWriter, req *http.Request) {
			_, _ = fmt.Fprintf(w, "{\"user_id\":\"%s\",\"post_id\":\"%s\"}",
				chi.URLParam(req, "userId"), chi.URLParam(req, "postId"))
		})
	}

	var srv *http.Server
	if mode == "http2" || mode == "hybrid" {
		h2s := &http2.Server{}
		handler := h2c.NewHandler(r, h2s)
		srv = &http.Server{Addr: addr, Handler: handler}
	} else {
		srv = &http.Server{Addr: addr, Handler: r}
	}

	go func() { _ = srv.ListenAndServe() }()
	time.Sleep(200 * time.Millisecond)
	return &Handle{Addr: srv.Addr, Stop: srv.Shutdown}
}

func startIris(addr string, scenario, mode string) *Handle {
	app := iris.New()
	app.Configure(iris.WithoutStartupLog, iris.WithOptimizations)
	switch scenario {
	case "simple":
		app.Get("/bench", func(ctx iris.Context) {
			_, _ = ctx.WriteString("ok")
		})
	case "json":
		app.Get("/json", func(ctx iris.Context) {
			_ = ctx.JSON(iris.Map{"status": "ok", "code": 200})
		})
	case "params":
		app.Get("/users/{userId}/posts/{postId}", func(ctx iris.Context) {
			_ = ctx.JSON(iris.Map{
				"user_id": ctx.Params().Get("userId"),
				"post_id": ctx.Params().Get("postId"),
			})
		})
	}

	if err := app.Build(); err != nil {
		panic(err)
	}

	var srv *http.Server
	if mode == "http2" || mode == "hybrid" {
		h2s := &http2.Server{}
		handler := h2c.NewHandler(app, h2s)
		srv = &http.Server{Addr: addr, Handler: handler}
		go func() { _ = srv.ListenAndServe() }()
	} else {
		srv = &http.Server{Addr: addr, Handler: app}
		go func() { _ = srv.ListenAndServe() }()
	}
	time.Sleep(200 * time.Millisecond)
	return &Handle{Addr: addr, Stop: func(ctx context.Context) error { return srv.Shutdown(ctx) }}
}

func startFiber(addr string, scenario, mode string) *Handle {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	switch scenario {
	case "simple":
		app.Get("/bench", func(c *fiber.Ctx) error {
			return c.SendString("ok")
		})
	case "json":
		app.Get("/json", func(c *fiber.Ctx) error {
			return c.JSON(fiber.Map{"status": "ok", "code": 200})
		})
	case "params":
		app.Get("/users/:userId/posts/:postId", func(c *fiber.Ctx) error {
			return c.JSON(fiber.Map{
				"user_id": c.Params("userId"),
				"post_id": c.Params("postId"),
			})
		})
	}

	// Fiber doesn't support H2C natively easily in this context without TLS or adapter,
	// but for benchmark purposes we'll just run it.
	// Note: Fiber's H2 support usually requires TLS.
	// For now we run standard Fiber.

	go func() {
		_ = app.Listen(addr)
	}()
	time.Sleep(200 * time.Millisecond)

	return &Handle{
		Addr: addr,
		Stop: func(ctx context.Context) error {
			return app.Shutdown()
		},
	}
}

func startCeleris(addr string, scenario, mode string) *Handle {
	r := celeris.NewRouter()
	switch scenario {
	case "simple":
		r.GET("/bench", func(ctx *celeris.Context) error {
			if mode == "http2" || mode == "hybrid" {
				_ = ctx.PushPromise("/pushed.txt", map[string]string{"accept": "text/plain"})
			}
			return ctx.String(200, "ok")
		})
		r.GET("/pushed.txt", func(ctx *celeris.Context) error { return ctx.String(200, "pushed") })
	case "json":
		r.GET("/json", func(ctx *celeris.Context) error {
			return ctx.Data(200, "application/json", []byte("{\"status\":\"ok\",\"code\":200}"))
		})
	case "params":
		r.GET("/users/:userId/posts/:postId", func(ctx *celeris.Context) error {
			uid := celeris.Param(ctx, "userId")
			pid := celeris.Param(ctx, "postId")
			b := []byte("{\"user_id\":\"" + uid + "\",\"post_id\":\"" + pid + "\"}")
			return ctx.Data(200, "application/json", b)
		})
	}

	cfg := celeris.DefaultConfig()

	// Auto-tune event loops to CPUs (leave headroom for client+OS)
	cpus := runtime.GOMAXPROCS(0)
	if cpus <= 2 {
		cfg.NumEventLoop = cpus
	} else if cpus <= 8 {
		cfg.NumEventLoop = cpus - 1
	} else {
		cfg.NumEventLoop = cpus - 2
	}
	cfg.Logger = log.New(io.Discard, "", 0)
	cfg.Addr = addr

	if mode == "http2" {
		cfg.EnableH1 = false
		cfg.EnableH2 = true
		cfg.MaxConcurrentStreams = 2000
	} else if mode == "hybrid" {
		cfg.EnableH1 = true
		cfg.EnableH2 = true
		cfg.MaxConcurrentStreams = 2000
		// H1 specific config
		// H1 specific config
		cfg.Multicore = true
		cfg.ReusePort = true
	} else {
		cfg.EnableH1 = true
		cfg.EnableH2 = false
		cfg.Multicore = true
		cfg.ReusePort = true
	}

	srv := celeris.New(cfg)
	go func() { _ = srv.ListenAndServe(r) }()
	time.Sleep(1 * time.Second)

	return &Handle{Addr: cfg.Addr, Stop: srv.Stop}
}
