package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/stereo-recorder/internal/config"
	"github.com/banshee-data/stereo-recorder/internal/db"
	"github.com/banshee-data/stereo-recorder/internal/preview"
)

// printSessions writes the catalogue as an aligned table.
func printSessions(w io.Writer, sessions []*db.Session) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSTATUS\tSOURCE\tDURATION\tWRITTEN L/R\tDROPPED L/R\tWINDOWS\tPATH")
	for _, s := range sessions {
		duration := "-"
		if s.Ended != nil {
			duration = s.Duration().Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%d/%d\t%d\t%s\n",
			s.Started.Format("2006-01-02 15:04:05"), s.Status, s.Source, duration,
			s.Written[0], s.Written[1], s.Dropped[0], s.Dropped[1], s.Windows, s.Path)
	}
	return tw.Flush()
}

func handleSessions(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	root := fs.String("root", ".", "Recording root directory")
	limit := fs.Int("limit", 20, "Maximum sessions to list (0 for all)")
	admin := fs.String("admin", "", "Serve the catalogue admin routes on this address")
	fs.Parse(args)

	database, err := db.NewDB(filepath.Join(*root, db.DefaultFileName))
	if err != nil {
		log.Fatalf("Failed to open session catalogue: %v", err)
	}
	defer database.Close()

	sessions, err := database.ListSessions(*limit)
	if err != nil {
		log.Fatalf("Failed to list sessions: %v", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded yet.")
	} else if err := printSessions(os.Stdout, sessions); err != nil {
		log.Fatalf("%v", err)
	}

	if *admin == "" {
		return
	}
	mux := http.NewServeMux()
	if err := database.AttachAdminRoutes(mux); err != nil {
		log.Fatalf("Failed to attach admin routes: %v", err)
	}
	ctx, cancel := signalContext()
	defer cancel()
	server := &http.Server{Addr: *admin, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		server.Shutdown(shutdownCtx)
	}()
	log.Printf("Serving catalogue admin on http://%s/debug/", *admin)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Admin server error: %v", err)
	}
}

func handleMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	root := fs.String("root", ".", "Recording root directory")
	fs.Usage = func() { db.PrintMigrateHelp(os.Stderr) }
	fs.Parse(args)

	if err := db.RunMigrateCommand(fs.Args(), filepath.Join(*root, db.DefaultFileName), os.Stdout); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

func handleStop(args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	addr := fs.String("addr", config.DefaultPreviewListen, "Preview address of the running capture")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	resp, err := preview.SendKey(ctx, http.DefaultClient, *addr, preview.KeyQ)
	if err != nil {
		log.Fatalf("Failed to stop capture: %v", err)
	}
	log.Printf("Sent key %d to %s (exit=%v)", resp.Key, *addr, resp.Exit)
}
