package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gwi.com/study-assistant/internal/api"
	"gwi.com/study-assistant/internal/auth"
	"gwi.com/study-assistant/internal/cache"
	"gwi.com/study-assistant/internal/catalog"
	"gwi.com/study-assistant/internal/config"
	"gwi.com/study-assistant/internal/core"
	"gwi.com/study-assistant/internal/store"
)

func main() {
	config.LoadConfig()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if config.AppConfig.Debug() {
		log.Println("Service starting in DEBUG mode")
	}

	ingestFile := flag.String("ingest", "", "Load study materials from a markdown table file and exit")
	tokenFor := flag.String("token", "", "Print a development bearer token for the given user id and exit")
	flag.Parse()

	if err := config.AppConfig.RequireServerSecrets(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	if *tokenFor != "" {
		token, err := auth.GenerateJWT(config.AppConfig.JWTSecret, *tokenFor, auth.DefaultTokenTTL)
		if err != nil {
			log.Fatalf("Failed to generate token: %v", err)
		}
		fmt.Println(token)
		return
	}

	cat := catalog.Default()
	if config.AppConfig.CatalogFile != "" {
		loaded, err := catalog.Load(config.AppConfig.CatalogFile)
		if err != nil {
			log.Fatalf("Failed to load catalog: %v", err)
		}
		cat = loaded
	}

	dbStore, err := store.NewSQLiteStore(config.AppConfig.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbStore.Close()

	var llmService *core.LLMService
	if config.AppConfig.GeminiAPIKey != "" {
		llmService, err = core.NewLLMService(context.Background(), config.AppConfig.GeminiAPIKey)
		if err != nil {
			log.Fatalf("Failed to initialize LLM service: %v", err)
		}
		defer llmService.Close()
	}

	var materialsCache *cache.RedisCache
	if config.AppConfig.RedisURL != "" {
		materialsCache, err = cache.NewRedisCache(config.AppConfig.RedisURL, cache.DefaultMaterialsTTL)
		if err != nil {
			log.Printf("Redis unavailable, serving study materials without a cache: %v", err)
		} else {
			defer materialsCache.Close()
		}
	}

	if *ingestFile != "" {
		log.Println("Starting study material ingestion...")
		var embed store.Embedder
		if llmService != nil {
			embed = llmService.GetEmbedding
		} else {
			log.Println("GEMINI_API_KEY not set; materials are stored without embeddings.")
		}
		n, err := dbStore.IngestMaterialsFromFile(context.Background(), *ingestFile, embed)
		if err != nil {
			log.Fatalf("Material ingestion failed: %v", err)
		}
		if materialsCache != nil {
			if err := materialsCache.InvalidateMaterials(context.Background()); err != nil {
				log.Printf("Failed to invalidate cached materials: %v", err)
			}
		}
		log.Printf("Ingestion complete. Ingested %d materials. Exiting.", n)
		return
	}

	var resolver core.Resolver
	if llmService != nil {
		retriever, err := core.NewMaterialsRetriever(dbStore, llmService)
		if err != nil {
			log.Fatalf("Failed to initialize materials retriever: %v", err)
		}
		resolver = core.NewGeminiResolver(llmService, cat, dbStore, retriever)
		log.Println("Answering with Gemini.")
	} else {
		resolver = core.NewCannedResolver(cat, core.WithDelay(config.AppConfig.ReplyDelayMin, config.AppConfig.ReplyDelayMax))
		log.Println("GEMINI_API_KEY not set; answering with canned replies.")
	}

	chatService := core.NewChatService(dbStore, cat, resolver)
	if llmService != nil {
		chatService.WithTitles(llmService)
	}
	if materialsCache != nil {
		chatService.WithMaterialsCache(materialsCache)
	}

	apiHandler := api.NewAPIHandler(chatService, config.AppConfig.JWTSecret)
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // LLM calls can take time
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Server exiting gracefully")
}
