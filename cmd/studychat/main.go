package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gwi.com/study-assistant/internal/catalog"
	"gwi.com/study-assistant/internal/cli"
	"gwi.com/study-assistant/internal/client"
	"gwi.com/study-assistant/internal/config"
	"gwi.com/study-assistant/internal/core"
)

func main() {
	config.LoadConfig()

	subject := flag.String("subject", "", "Subject to open first (default: first catalog subject)")
	remote := flag.Bool("remote", false, "Answer through the API at API_BASE_URL instead of canned replies")
	basic := flag.Bool("basic", false, "Single conversation without subjects or chat management")
	flag.Parse()

	// The terminal is the UI; log lines only show up when debugging.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if !config.AppConfig.Debug() {
		log.SetOutput(io.Discard)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	cat := catalog.Default()
	if config.AppConfig.CatalogFile != "" {
		loaded, err := catalog.Load(config.AppConfig.CatalogFile)
		if err != nil {
			log.SetOutput(os.Stderr)
			log.Fatalf("Failed to load catalog: %v", err)
		}
		cat = loaded
	}

	var resolver core.Resolver
	var api *client.Client
	if *remote {
		api = client.New(config.AppConfig.APIBaseURL, config.AppConfig.APIToken)
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if served, err := api.Subjects(fetchCtx); err != nil {
			log.Printf("Could not fetch subjects from server, using local catalog: %v", err)
		} else {
			cat = served
		}
		cancel()
		resolver = client.NewRemoteResolver(api)
	} else {
		resolver = core.NewCannedResolver(cat, core.WithDelay(config.AppConfig.ReplyDelayMin, config.AppConfig.ReplyDelayMax))
	}

	term := cli.NewTerminal(cli.DefaultHistoryFile())
	defer term.Close()

	var err error
	if *basic {
		th := core.NewThread(resolver, core.ThreadOptions{})
		err = cli.RunBasic(ctx, th, term, os.Stdout)
		th.Wait()
	} else {
		ws := core.NewWorkspace(cat, resolver, core.WorkspaceOptions{Subject: *subject})
		shell := cli.NewShell(ws, cat, term, os.Stdout)
		if api != nil {
			shell.WithMaterials(api)
		}
		err = shell.Run(ctx)
		ws.Wait()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "studychat: %v\n", err)
	}
}
