// Command monitor runs a local HTTP status/debug server alongside a PCM
// session: a JSON status feed mirroring the current status.Observer state,
// the Prometheus default registry of this process, and host diagnostics
// useful when a long kernel upload or bulk read seems slower than it
// should be. This command does not import internal/vehicle, so its
// /metrics output does not include the vehicle query metrics, which are
// registered in the process that runs the session.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	psutilcpu "github.com/shirou/gopsutil/v3/cpu"
	psutilmem "github.com/shirou/gopsutil/v3/mem"

	"github.com/patrickmcquay/PcmHacks/internal/config"
	"github.com/patrickmcquay/PcmHacks/pkg/obd/status"
)

var addr = flag.String("addr", "", "bind address (overrides PCM_MONITOR_ADDR / .env)")

// feedObserver is a status.Observer that keeps the latest reported values
// in memory so the HTTP handlers below have something to serve. The feed
// only reflects a session whose Vehicle was given it as its Observer.
type feedObserver struct {
	mu sync.RWMutex

	activity string
	percent  string
	kbps     string
	eta      string
	retries  string
	fraction float64

	userMessages  []string
	debugMessages []string
}

func newFeedObserver() *feedObserver { return &feedObserver{} }

func (f *feedObserver) UpdateActivity(a string) { f.mu.Lock(); f.activity = a; f.mu.Unlock() }
func (f *feedObserver) UpdatePercentDone(p string) { f.mu.Lock(); f.percent = p; f.mu.Unlock() }
func (f *feedObserver) UpdateTimeRemaining(e string) { f.mu.Lock(); f.eta = e; f.mu.Unlock() }
func (f *feedObserver) UpdateKbps(k string) { f.mu.Lock(); f.kbps = k; f.mu.Unlock() }
func (f *feedObserver) UpdateRetryCount(r string) { f.mu.Lock(); f.retries = r; f.mu.Unlock() }
func (f *feedObserver) UpdateProgressBar(frac float64, indeterminate bool) {
	f.mu.Lock()
	f.fraction = frac
	f.mu.Unlock()
}
func (f *feedObserver) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity, f.percent, f.kbps, f.eta, f.retries = "", "", "", "", ""
	f.fraction = 0
	f.userMessages = nil
	f.debugMessages = nil
}
func (f *feedObserver) AddUserMessage(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userMessages = append(f.userMessages, msg)
	if len(f.userMessages) > 200 {
		f.userMessages = f.userMessages[len(f.userMessages)-200:]
	}
}
func (f *feedObserver) AddDebugMessage(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debugMessages = append(f.debugMessages, msg)
	if len(f.debugMessages) > 200 {
		f.debugMessages = f.debugMessages[len(f.debugMessages)-200:]
	}
}

func (f *feedObserver) snapshot() gin.H {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return gin.H{
		"activity":       f.activity,
		"percent_done":   f.percent,
		"kbps":           f.kbps,
		"time_remaining": f.eta,
		"retry_count":    f.retries,
		"fraction":       f.fraction,
		"user_messages":  append([]string{}, f.userMessages...),
		"debug_messages": append([]string{}, f.debugMessages...),
	}
}

var _ status.Observer = (*feedObserver)(nil)

func hostDiagnostics() gin.H {
	cpuPercent, _ := psutilcpu.Percent(0, false)
	memInfo, err := psutilmem.VirtualMemory()
	result := gin.H{}
	if len(cpuPercent) > 0 {
		result["cpu_percent"] = cpuPercent[0]
	}
	if err == nil && memInfo != nil {
		result["mem_used_percent"] = memInfo.UsedPercent
		result["mem_total_bytes"] = memInfo.Total
	}
	return result
}

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	bindAddr := cfg.MonitorAddr
	if *addr != "" {
		bindAddr = *addr
	}

	feed := sharedFeed
	startTime := time.Now()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, feed.snapshot())
		})
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":         "ok",
				"uptime_seconds": time.Since(startTime).Seconds(),
			})
		})
		api.GET("/diagnostics", func(c *gin.Context) {
			c.JSON(http.StatusOK, hostDiagnostics())
		})
	}

	srv := &http.Server{
		Addr:    bindAddr,
		Handler: router,
	}

	go func() {
		log.Printf("monitor listening on %s", bindAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("monitor server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down monitor")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("monitor shutdown error: %v", err)
	}
}

// ObserverFeed returns the Observer this process serves over HTTP. Nothing
// in this command passes it to obd.NewVehicle, and cmd/cli uses its own
// observer, so /api/v1/status stays empty unless code running in this
// process hands the feed to a Vehicle.
func ObserverFeed() status.Observer { return sharedFeed }

var sharedFeed = newFeedObserver()
