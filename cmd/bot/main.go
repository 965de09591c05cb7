package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"

	discordrouter "github.com/jose-valero/inactivity-bot/internal/adapters/discord"
	"github.com/jose-valero/inactivity-bot/internal/app/service"
	"github.com/jose-valero/inactivity-bot/internal/infra/config"
	"github.com/jose-valero/inactivity-bot/internal/infra/ratelimit"
	"github.com/jose-valero/inactivity-bot/internal/infra/storage"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	_ = godotenv.Load()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.Load()
	settings, err := config.NewStore(config.FromEnv())
	if err != nil {
		log.Fatalf("settings inválidos: %v", err)
	}

	// DB
	db, err := storage.Open(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()
	if err := storage.Migrate(db); err != nil {
		log.Fatal("migrate:", err)
	}
	log.Println("✅ DB lista y migrada")

	// Repos
	activityRepo := storage.NewActivityRepo(db)
	periodsRepo := storage.NewPeriodsRepo(db)
	warningsRepo := storage.NewWarningsRepo(db)
	auditRepo := storage.NewAuditRepo(db)
	tasksRepo := storage.NewTasksRepo(db)

	// Discord session
	auth := cfg.DiscordToken
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(auth)), "bot ") {
		auth = "Bot " + strings.TrimSpace(auth)
	}
	s, err := discordgo.New(auth)
	if err != nil {
		log.Fatal(err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers | discordgo.IntentsGuildVoiceStates
	if err := s.Open(); err != nil {
		log.Fatal(err)
	}
	defer s.Close()
	log.Printf("✅ Conectado como %s (%s)", s.State.User.Username, s.State.User.ID)

	guildName := cfg.DiscordGuild
	if g, err := s.Guild(cfg.DiscordGuild); err == nil {
		guildName = g.Name
	}

	// Core
	channels := service.NotifyChannels{Log: cfg.LogChannelID, Notification: cfg.NotificationChannelID}
	gov := ratelimit.NewGovernor(5)
	sink := discordrouter.NewModerationSink(s)
	dispatcher := service.NewDispatcher(sink, gov)
	tracker := service.NewTracker(settings, activityRepo, dispatcher, channels)
	directory := discordrouter.NewGuildDirectory(s)
	evaluator := service.NewEvaluator(service.EvaluatorDeps{
		Settings:   settings,
		Sessions:   activityRepo,
		Periods:    periodsRepo,
		Warnings:   warningsRepo,
		Audit:      auditRepo,
		Tasks:      tasksRepo,
		Directory:  directory,
		Dispatcher: dispatcher,
		Governor:   gov,
		Channels:   channels,
		GuildName:  guildName,
	})
	restorer := service.NewRestorer(auditRepo, directory, dispatcher, channels)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Run(ctx)
	go tracker.Run(ctx)
	go evaluator.RunLoop(ctx, cfg.DiscordGuild)

	// Router
	r := discordrouter.NewRouter(s, cfg.DiscordGuild, discordrouter.RouterDeps{
		Settings:  settings,
		Tracker:   tracker,
		Evaluator: evaluator,
		Restorer:  restorer,
		Disp:      dispatcher,
		Governor:  gov,
		Directory: directory,
		Activity:  activityRepo,
		DB:        db,
		AdminIDs:  cfg.AdminRoleIDs,
	})
	if err := r.Register(); err != nil {
		log.Fatalf("registrando comandos: %v", err)
	}
	r.Handlers()
	log.Printf("✅ comandos registrados en guild %s", cfg.DiscordGuild)

	// Esperar señal
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-stop
}
