package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/korjavin/officehours/pkg/config"
	"github.com/korjavin/officehours/pkg/engine"
	"github.com/korjavin/officehours/pkg/fairness"
	"github.com/korjavin/officehours/pkg/feedback"
	"github.com/korjavin/officehours/pkg/logger"
	"github.com/korjavin/officehours/pkg/models"
	"github.com/korjavin/officehours/pkg/notify"
	"github.com/korjavin/officehours/pkg/scheduler"
	"github.com/korjavin/officehours/pkg/staffing"
	"github.com/korjavin/officehours/pkg/state"
	"github.com/korjavin/officehours/pkg/stats"
	"github.com/korjavin/officehours/pkg/storage"
	"github.com/korjavin/officehours/pkg/telegram"
)

func main() {
	// Initialize logger
	log := logger.Global
	log.Info("Starting office-hours queue bot...")

	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Error("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	// Initialize storage
	store, err := storage.New(cfg.DataDir)
	if err != nil {
		log.Error("Failed to initialize storage: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	// Start BadgerDB garbage collection
	store.StartGCRoutine(10 * time.Minute)

	// Initialize services
	grace := state.NewGraceTracker(cfg.RejoinGrace)
	queueEngine := engine.New(store, grace)
	feedbackService := feedback.New(store)
	statsService := stats.New(store)

	// Initialize Telegram bot
	bot, err := telegram.New(cfg.BotToken)
	if err != nil {
		log.Error("Failed to initialize Telegram bot: %v", err)
		os.Exit(1)
	}

	// Notification delivery runs outside the engine locks
	dispatcher := notify.NewDispatcher(&telegramSender{bot: bot, feedback: feedbackService})
	dispatcher.Start()

	// Background maintenance: break expiry, grace pruning
	sched := scheduler.New(queueEngine, grace, dispatcher)
	sched.Start()

	a := &app{
		cfg:        cfg,
		bot:        bot,
		engine:     queueEngine,
		dispatcher: dispatcher,
		feedback:   feedbackService,
		stats:      statsService,
		logger:     log,
	}

	// Setup command handlers
	commandHandlers := map[string]telegram.CommandHandler{
		"start": a.handleStart,
		"join":  a.handleJoin,
		"leave": a.handleLeave,
		"queue": a.handleQueue,
		"open":  a.staffOnly(a.handleOpen),
		"close": a.staffOnly(a.handleClose),
		"claim": a.staffOnly(a.handleClaim),
		"done":  a.staffOnly(a.handleDone),
		"break": a.staffOnly(a.handleBreak),
		"back":  a.staffOnly(a.handleBack),
		"stats": a.staffOnly(a.handleStats),
	}

	// Setup callback handlers
	callbackHandlers := map[string]telegram.CallbackHandler{
		"stars:": a.handleStarsCallback,
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Shutting down...")
		sched.Stop()
		dispatcher.Stop()
		store.Close()
		os.Exit(0)
	}()

	// Start the bot
	log.Info("Bot is now running. Press CTRL-C to exit.")
	if err := bot.Start(commandHandlers, callbackHandlers); err != nil {
		log.Error("Error running bot: %v", err)
		os.Exit(1)
	}
}

// app bundles everything the command handlers need
type app struct {
	cfg        *config.Config
	bot        *telegram.Bot
	engine     *engine.Engine
	dispatcher *notify.Dispatcher
	feedback   *feedback.Service
	stats      *stats.Service
	logger     *logger.Logger
}

// userKey returns the engine key for a Telegram user
func userKey(user *tgbotapi.User) string {
	return strconv.FormatInt(user.ID, 10)
}

// section resolves the section argument, falling back to the first
// configured section. Returns "" after replying if it is unknown.
func (a *app) section(message *tgbotapi.Message, args []string) string {
	sectionID := a.cfg.Sections[0]
	if len(args) > 0 {
		sectionID = args[0]
	}
	if !a.cfg.HasSection(sectionID) {
		a.bot.SendMessage(message.Chat.ID, fmt.Sprintf("🤔 I don't know section %q. Configured sections: %s.",
			sectionID, strings.Join(a.cfg.Sections, ", ")))
		return ""
	}
	return sectionID
}

// staffOnly wraps a handler with the staff gate
func (a *app) staffOnly(handler telegram.CommandHandler) telegram.CommandHandler {
	return func(message *tgbotapi.Message, args []string) {
		if !a.cfg.IsStaff(userKey(message.From)) {
			a.bot.SendMessage(message.Chat.ID, "🚫 That command is for course staff.")
			return
		}
		handler(message, args)
	}
}

func (a *app) handleStart(message *tgbotapi.Message, _ []string) {
	a.bot.SendMessage(message.Chat.ID,
		"👋 Welcome to office hours!\n\n"+
			"Students:\n"+
			"/join <section> to get in line\n"+
			"/leave to leave the line\n"+
			"/queue to see the current line\n\n"+
			"Staff:\n"+
			"/open and /close to start or end your office hours\n"+
			"/claim takes the next student, /done finishes the session\n"+
			"/break [minutes] and /back to step away and return\n"+
			"/stats shows serving statistics")
}

func (a *app) handleJoin(message *tgbotapi.Message, args []string) {
	sectionID := a.section(message, args)
	if sectionID == "" {
		return
	}

	events, err := a.engine.Join(sectionID, userKey(message.From))
	if err != nil {
		a.replyError(message.Chat.ID, err)
		return
	}
	a.dispatcher.Dispatch(events)
}

func (a *app) handleLeave(message *tgbotapi.Message, args []string) {
	sectionID := a.section(message, args)
	if sectionID == "" {
		return
	}

	events, err := a.engine.LeaveByStudent(sectionID, userKey(message.From))
	if err != nil {
		a.replyError(message.Chat.ID, err)
		return
	}
	a.dispatcher.Dispatch(events)
}

func (a *app) handleQueue(message *tgbotapi.Message, args []string) {
	sectionID := a.section(message, args)
	if sectionID == "" {
		return
	}

	snap, err := a.engine.Snapshot(sectionID)
	if err != nil {
		a.replyError(message.Chat.ID, err)
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📋 Section %s\n", sectionID)

	waiting := fairness.Waiting(snap)
	if len(waiting) == 0 {
		sb.WriteString("The queue is empty.\n")
	} else {
		for i, entry := range waiting {
			fmt.Fprintf(&sb, "%d. student %s (waiting since %s)\n",
				i+1, entry.StudentKey, entry.JoinedAt.Format("15:04"))
		}
	}

	openCount, servingCount, breakCount := 0, 0, 0
	for _, session := range snap.Staff {
		switch session.State {
		case models.StaffOpen:
			openCount++
		case models.StaffServing:
			servingCount++
		case models.StaffOnBreak:
			breakCount++
		}
	}
	fmt.Fprintf(&sb, "Staff: %d open, %d serving, %d on break", openCount, servingCount, breakCount)

	a.bot.SendMessage(message.Chat.ID, sb.String())
}

func (a *app) handleOpen(message *tgbotapi.Message, args []string) {
	sectionID := a.section(message, args)
	if sectionID == "" {
		return
	}

	events, err := a.engine.StaffOpen(sectionID, userKey(message.From))
	if err != nil {
		a.replyError(message.Chat.ID, err)
		return
	}
	a.dispatcher.Dispatch(events)
	a.bot.SendMessage(message.Chat.ID, fmt.Sprintf("🟢 You're open for office hours in %s. Use /claim to take the next student.", sectionID))
}

func (a *app) handleClose(message *tgbotapi.Message, args []string) {
	sectionID := a.section(message, args)
	if sectionID == "" {
		return
	}

	events, err := a.engine.StaffClose(sectionID, userKey(message.From))
	if err != nil {
		a.replyError(message.Chat.ID, err)
		return
	}
	a.dispatcher.Dispatch(events)
	a.bot.SendMessage(message.Chat.ID, fmt.Sprintf("🔴 Your office hours in %s are closed. Thanks for helping out!", sectionID))
}

func (a *app) handleClaim(message *tgbotapi.Message, args []string) {
	sectionID := a.section(message, args)
	if sectionID == "" {
		return
	}

	events, err := a.engine.Claim(sectionID, userKey(message.From))
	if err != nil {
		a.replyError(message.Chat.ID, err)
		return
	}
	a.dispatcher.Dispatch(events)
}

func (a *app) handleDone(message *tgbotapi.Message, args []string) {
	sectionID := a.section(message, args)
	if sectionID == "" {
		return
	}

	staffKey := userKey(message.From)
	events, err := a.engine.Complete(sectionID, staffKey)
	if err != nil {
		a.replyError(message.Chat.ID, err)
		return
	}

	// Record serving time before the events go out
	for _, ev := range events {
		if ev.Type == models.EventSessionComplete {
			if err := a.stats.RecordSession(sectionID, staffKey, ev.ServedFor); err != nil {
				a.logger.Error("Failed to record serving stats: %v", err)
			}
		}
	}
	a.dispatcher.Dispatch(events)
}

func (a *app) handleBreak(message *tgbotapi.Message, args []string) {
	// /break [minutes] [section]: a leading integer is the duration
	duration := a.cfg.DefaultBreak
	if len(args) > 0 {
		if minutes, err := strconv.Atoi(args[0]); err == nil {
			if minutes <= 0 || time.Duration(minutes)*time.Minute > a.cfg.MaxBreak {
				a.bot.SendMessage(message.Chat.ID, fmt.Sprintf("⏱ Break length must be between 1 and %d minutes.", int(a.cfg.MaxBreak.Minutes())))
				return
			}
			duration = time.Duration(minutes) * time.Minute
			args = args[1:]
		}
	}

	sectionID := a.section(message, args)
	if sectionID == "" {
		return
	}

	until := time.Now().UTC().Add(duration)
	events, err := a.engine.StartBreak(sectionID, userKey(message.From), until)
	if err != nil {
		a.replyError(message.Chat.ID, err)
		return
	}
	a.dispatcher.Dispatch(events)
	a.bot.SendMessage(message.Chat.ID, fmt.Sprintf("☕ Enjoy your break! I'll reopen you at %s, or use /back to return early.", until.Format("15:04")))
}

func (a *app) handleBack(message *tgbotapi.Message, args []string) {
	sectionID := a.section(message, args)
	if sectionID == "" {
		return
	}

	events, err := a.engine.EndBreak(sectionID, userKey(message.From))
	if err != nil {
		a.replyError(message.Chat.ID, err)
		return
	}
	a.dispatcher.Dispatch(events)
}

func (a *app) handleStats(message *tgbotapi.Message, args []string) {
	sectionID := a.section(message, args)
	if sectionID == "" {
		return
	}

	top, err := a.stats.TopStaff(sectionID, 10)
	if err != nil {
		a.replyError(message.Chat.ID, err)
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 Serving stats for %s\n", sectionID)
	if len(top) == 0 {
		sb.WriteString("No sessions served yet.\n")
	}
	for i, stat := range top {
		fmt.Fprintf(&sb, "%d. staff %s: %d sessions, avg %s\n",
			i+1, stat.StaffKey, stat.Sessions, stat.AvgServing.Round(time.Second))
	}

	if count, avg, err := a.feedback.SectionSummary(sectionID); err == nil && count > 0 {
		fmt.Fprintf(&sb, "Feedback: %.1f★ over %d ratings", avg, count)
	}

	a.bot.SendMessage(message.Chat.ID, sb.String())
}

// handleStarsCallback records a student's star rating.
// Callback data: stars:<section>:<seq>:<stars>
func (a *app) handleStarsCallback(callback *tgbotapi.CallbackQuery) {
	parts := strings.Split(callback.Data, ":")
	if len(parts) != 4 {
		return
	}
	sectionID := parts[1]
	seq, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return
	}
	starCount, err := strconv.Atoi(parts[3])
	if err != nil {
		return
	}

	_, err = a.feedback.RecordRating(sectionID, seq, userKey(callback.From), starCount)
	if err != nil {
		a.bot.AnswerCallbackQuery(callback.ID, "Couldn't record that rating.")
		a.logger.Error("Failed to record rating: %v", err)
		return
	}

	a.bot.AnswerCallbackQuery(callback.ID, "Thanks for the feedback!")
	if callback.Message != nil {
		a.bot.EditMessage(callback.Message.Chat.ID, callback.Message.MessageID,
			fmt.Sprintf("🙏 Thanks! You rated this session %d★.", starCount))
	}
}

// replyError translates engine failures into user-facing messages
func (a *app) replyError(chatID int64, err error) {
	var invalid *staffing.InvalidTransitionError

	var text string
	switch {
	case errors.Is(err, fairness.ErrAlreadyQueued):
		text = "🙅 You're already in the queue for this section."
	case errors.Is(err, fairness.ErrSectionClosed):
		text = "😴 Nobody is holding office hours for this section right now."
	case errors.Is(err, engine.ErrNotWaiting):
		text = "🤷 You don't have a spot in this queue."
	case errors.Is(err, engine.ErrEntryAlreadyClaimed):
		text = "⏰ Too late, a staff member already claimed you. Hang on!"
	case errors.Is(err, engine.ErrSectionCorrupted):
		text = "🛑 This section's queue needs administrative attention. Please contact the course staff."
	case errors.As(err, &invalid):
		text = fmt.Sprintf("🚦 %s.", invalid.Error())
	default:
		a.logger.Error("Operation failed: %v", err)
		text = "😢 Something went wrong, please try again."
	}
	a.bot.SendMessage(chatID, text)
}

// telegramSender delivers notifications through the bot. The
// session-complete prompt to a student carries the star keyboard.
type telegramSender struct {
	bot      *telegram.Bot
	feedback *feedback.Service
}

func (t *telegramSender) Deliver(n notify.Notification) error {
	chatID, err := strconv.ParseInt(n.Recipient.Key, 10, 64)
	if err != nil {
		return fmt.Errorf("bad recipient key %q: %w", n.Recipient.Key, err)
	}

	if n.Event.Type == models.EventSessionComplete && n.Recipient.Kind == notify.ToStudent {
		if _, err := t.feedback.OpenRequest(n.Event); err != nil {
			return err
		}
		_, err := t.bot.SendMessageWithKeyboard(chatID, n.Text, starKeyboard(n.Event))
		return err
	}

	_, err = t.bot.SendMessage(chatID, n.Text)
	return err
}

// starKeyboard builds the 1-5 star rating row for a completed session
func starKeyboard(ev models.Event) tgbotapi.InlineKeyboardMarkup {
	row := make([]tgbotapi.InlineKeyboardButton, 0, 5)
	for star := 1; star <= 5; star++ {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(
			strings.Repeat("⭐", star),
			fmt.Sprintf("stars:%s:%d:%d", ev.SectionID, ev.Seq, star)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row)
}
