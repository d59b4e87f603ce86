package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

var (
	listenAddr        = flag.String("listen", ":8887", "WebSocket listen address")
	path              = flag.String("path", "/ocpp", "WebSocket path prefix")
	heartbeatInterval = flag.Int("heartbeat", 30, "Heartbeat interval granted to charge points (s)")
	verbose           = flag.Bool("verbose", false, "Enable verbose logging")
)

func main() {
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	csms := NewCSMS(*heartbeatInterval, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		csms.Stop()
		os.Exit(0)
	}()

	go func() {
		if err := csms.Listen(*listenAddr, *path); err != nil {
			logger.Fatal("Listener failed", zap.Error(err))
		}
	}()

	fmt.Println("Mock CSMS - Interactive Mode")
	fmt.Println("============================")
	fmt.Println("Commands:")
	fmt.Println("  list                               - Connected charge points")
	fmt.Println("  start <cp> <idTag> [connector]     - RemoteStartTransaction")
	fmt.Println("  stop <cp> <txId>                   - RemoteStopTransaction")
	fmt.Println("  reset <cp> soft|hard               - Reset")
	fmt.Println("  avail <cp> <connector> op|inop     - ChangeAvailability")
	fmt.Println("  reserve <cp> <connector> <idTag> <minutes> - ReserveNow")
	fmt.Println("  cancelres <cp> <reservationId>     - CancelReservation")
	fmt.Println("  unlock <cp> <connector>            - UnlockConnector")
	fmt.Println("  trigger <cp> <message>             - TriggerMessage")
	fmt.Println("  getconf <cp>                       - GetConfiguration")
	fmt.Println("  setconf <cp> <key> <value>         - ChangeConfiguration")
	fmt.Println("  quit                               - Exit")
	fmt.Println("")

	csms.RunInteractive()
}
