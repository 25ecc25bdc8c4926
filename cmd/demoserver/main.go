// Command demoserver starts the voucher shop used as a race condition target.
// Usage: go run ./cmd/demoserver [port]
// Default port: 9999
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/raysh454/racer/internal/demoserver"
	"github.com/raysh454/racer/internal/logging"
)

func main() {
	cfg := demoserver.DefaultConfig()

	// Optional: custom port from command line
	if len(os.Args) > 1 {
		port, err := strconv.Atoi(os.Args[1])
		if err != nil || port < 1 || port > 65535 {
			log.Fatalf("Invalid port: %s", os.Args[1])
		}
		cfg.Port = port
	}

	fmt.Println("===========================================")
	fmt.Println("   Voucher Shop - Race Condition Target")
	fmt.Println("===========================================")
	fmt.Println()
	fmt.Println("Redeem endpoints (POST):")
	fmt.Println("  /redeem/{secure|insecure|very_insecure}/COUPON1")
	fmt.Println("  /redeem_multi/{secure|insecure|very_insecure}/COUPON2")
	fmt.Println("  /reset")
	fmt.Println()

	server, err := demoserver.NewDemoServer(cfg, logging.NewStdoutLogger("demoserver"))
	if err != nil {
		log.Fatalf("Setup error: %v", err)
	}
	defer server.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := server.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
