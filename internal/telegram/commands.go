package telegram

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/engine"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/exchange"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/fisco"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/logging"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/notify"
)

// BotControl is the engine surface the operator commands drive.
type BotControl interface {
	Pause(ctx context.Context, reason string) error
	Resume(ctx context.Context) error
	RequestClose(pair string) error
	RequestVenueChange(venue string) error
	Status() engine.Status
	Diagnostics() []engine.PairDiagnostic
	Positions(ctx context.Context) ([]engine.PositionView, error)
	Portfolio(ctx context.Context) (*engine.Portfolio, error)
	Exposure(ctx context.Context) (*engine.ExposureReport, error)
	Balances(ctx context.Context) ([]exchange.Balance, error)
}

// Store is the repository slice the commands read.
type Store interface {
	GetTradeHistory(ctx context.Context, limit int) ([]*database.Trade, error)
	GetRecentEvents(ctx context.Context, limit int) ([]*database.BotEvent, error)
	GetEventByID(ctx context.Context, id int64) (*database.BotEvent, error)
	GetRealizedPnLSince(ctx context.Context, since time.Time) (float64, error)
	GetSyncHistory(ctx context.Context, limit int) ([]*database.SyncRun, error)
	ListAuthorizedChats(ctx context.Context) ([]*database.TelegramChat, error)
	GetTelegramChat(ctx context.Context, chatID int64) (*database.TelegramChat, error)
	SetChatAuthorized(ctx context.Context, chatID int64, authorized bool) error
}

// FiscalReporter produces FIFO gain reports for /informe_fiscal.
type FiscalReporter interface {
	YearReport(ctx context.Context, year int) (*fisco.Report, error)
}

// FiscalSyncer drives the FIFO book from /fisco_sync. Nil when the fiscal
// module is disabled.
type FiscalSyncer interface {
	Run(ctx context.Context) (*database.SyncRun, error)
	Rebuild(ctx context.Context) (*database.SyncRun, error)
}

// CommandPublisher pushes the command menu to Telegram.
type CommandPublisher interface {
	SetMyCommands(ctx context.Context, commands []BotCommand) error
}

// Router dispatches operator commands. Every reply is Telegram HTML in
// Spanish; unauthorized chats never reach it (the poller filters first).
type Router struct {
	control   BotControl
	store     Store
	fiscal    FiscalReporter
	syncer    FiscalSyncer
	publisher CommandPublisher
	cfg       *config.Config
	logger    zerolog.Logger
}

func NewRouter(control BotControl, store Store, fiscal FiscalReporter, syncer FiscalSyncer, publisher CommandPublisher, cfg *config.Config) *Router {
	return &Router{
		control:   control,
		store:     store,
		fiscal:    fiscal,
		syncer:    syncer,
		publisher: publisher,
		cfg:       cfg,
		logger:    logging.Component("commands"),
	}
}

var escHTML = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace

// DefaultCommands is the menu published via setMyCommands.
func DefaultCommands() []BotCommand {
	return []BotCommand{
		{Command: "estado", Description: "Estado general del bot"},
		{Command: "balance", Description: "Saldos en el exchange"},
		{Command: "cartera", Description: "Cartera valorada en EUR"},
		{Command: "posiciones", Description: "Posiciones abiertas"},
		{Command: "ganancias", Description: "P&L realizado"},
		{Command: "exposicion", Description: "Exposición frente a límites"},
		{Command: "ultimas", Description: "Últimas operaciones"},
		{Command: "logs", Description: "Eventos recientes"},
		{Command: "config", Description: "Configuración activa"},
		{Command: "uptime", Description: "Tiempo en marcha"},
		{Command: "pausar", Description: "Pausar nuevas entradas"},
		{Command: "reanudar", Description: "Reanudar la operativa"},
		{Command: "cerrar", Description: "Cerrar una posición manualmente"},
		{Command: "venue", Description: "Ver o cambiar el exchange de trading"},
		{Command: "informe_fiscal", Description: "Informe FIFO del año"},
		{Command: "fisco_sync", Description: "Sincronización fiscal"},
		{Command: "ayuda", Description: "Lista de comandos"},
	}
}

// Dispatch routes one command line and returns the HTML reply. An empty
// return means no reply should be sent.
func (r *Router) Dispatch(ctx context.Context, chatID int64, text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	cmd := strings.ToLower(fields[0])
	// Group chats send "/estado@MyBot".
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	args := fields[1:]

	switch cmd {
	case "/estado":
		return r.estado()
	case "/balance":
		return r.balance(ctx)
	case "/cartera":
		return r.cartera(ctx)
	case "/posiciones":
		return r.posiciones(ctx)
	case "/ganancias":
		return r.ganancias(ctx)
	case "/exposicion":
		return r.exposicion(ctx)
	case "/ultimas":
		return r.ultimas(ctx, args)
	case "/logs":
		return r.logs(ctx)
	case "/log":
		return r.logDetail(ctx, args)
	case "/config":
		return r.configView()
	case "/uptime":
		return r.uptime()
	case "/menu", "/ayuda", "/start", "/help":
		return r.ayuda()
	case "/channels":
		return r.channels(ctx, chatID, args)
	case "/pausar":
		return r.pausar(ctx, chatID)
	case "/reanudar":
		return r.reanudar(ctx, chatID)
	case "/cerrar":
		return r.cerrar(ctx, chatID, args)
	case "/venue":
		return r.venue(ctx, chatID, args)
	case "/informe_fiscal":
		return r.informeFiscal(ctx, args)
	case "/fisco_sync":
		return r.fiscoSync(ctx, chatID, args)
	case "/refresh_commands":
		return r.refreshCommands(ctx, chatID)
	default:
		return "Comando no reconocido. Usa /ayuda."
	}
}

// isOperator gates the mutating commands.
func (r *Router) isOperator(ctx context.Context, chatID int64) bool {
	chat, err := r.store.GetTelegramChat(ctx, chatID)
	if err != nil || chat == nil {
		return false
	}
	return chat.IsOperator
}

const soloOperador = "⛔ Solo el operador puede usar este comando."

func (r *Router) estado() string {
	st := r.control.Status()
	var b strings.Builder
	fmt.Fprintf(&b, "⚙️ <b>Estado del bot</b>%s\n", dryRunSuffix(st.DryRun))
	fmt.Fprintf(&b, "Exchange: %s\n", escHTML(st.Venue))
	if st.Paused {
		reason := st.PauseReason
		if reason == "" {
			reason = "manual"
		}
		fmt.Fprintf(&b, "Modo: ⏸️ Pausado (%s)\n", escHTML(reason))
	} else {
		b.WriteString("Modo: ▶️ Operando\n")
	}
	if st.KillSwitch {
		b.WriteString("Kill-switch: 🔴 activo hasta el próximo día UTC\n")
	}
	fmt.Fprintf(&b, "Uptime: %s\n", formatDuration(time.Since(st.StartedAt)))
	fmt.Fprintf(&b, "Ticks: %d", st.Ticks)
	if !st.LastTickAt.IsZero() {
		fmt.Fprintf(&b, " (último hace %s)", formatDuration(time.Since(st.LastTickAt)))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Posiciones abiertas: %d\n", st.OpenPositions)
	fmt.Fprintf(&b, "Pares: %s", escHTML(strings.Join(st.Pairs, ", ")))

	if diags := r.control.Diagnostics(); len(diags) > 0 {
		b.WriteString("\n\n<b>Último tick</b>\n")
		for _, d := range diags {
			fmt.Fprintf(&b, "• %s: %s", escHTML(d.Pair), escHTML(d.Signal))
			if d.Reason != "" {
				fmt.Fprintf(&b, " — %s", escHTML(d.Reason))
			}
			if d.CooldownSec > 0 {
				fmt.Fprintf(&b, " (cooldown %ds)", d.CooldownSec)
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) balance(ctx context.Context) string {
	balances, err := r.control.Balances(ctx)
	if err != nil {
		return errReply("consultando el balance", err)
	}
	st := r.control.Status()

	var b strings.Builder
	fmt.Fprintf(&b, "💰 <b>Balance en %s</b>\n", escHTML(st.Venue))
	shown := 0
	for _, bal := range balances {
		total := bal.Free + bal.Locked
		if total < 1e-8 {
			continue
		}
		fmt.Fprintf(&b, "• %s: %s", escHTML(bal.Asset), trimQty(total))
		if bal.Locked > 1e-8 {
			fmt.Fprintf(&b, " (%s bloqueado)", trimQty(bal.Locked))
		}
		b.WriteString("\n")
		shown++
	}
	if shown == 0 {
		b.WriteString("Sin saldos.")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) cartera(ctx context.Context) string {
	pf, err := r.control.Portfolio(ctx)
	if err != nil {
		return errReply("valorando la cartera", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "💼 <b>Cartera</b> (%s)\n", escHTML(pf.Venue))
	for _, line := range pf.Lines {
		fmt.Fprintf(&b, "• %s: %s = %.2f €\n", escHTML(line.Asset), trimQty(line.Quantity), line.ValueEUR)
	}
	fmt.Fprintf(&b, "EUR libre: %.2f €\n", pf.FreeEUR)
	fmt.Fprintf(&b, "<b>Total: %.2f €</b>", pf.TotalEUR)
	return b.String()
}

func (r *Router) posiciones(ctx context.Context) string {
	views, err := r.control.Positions(ctx)
	if err != nil {
		return errReply("consultando posiciones", err)
	}
	update := &notify.PositionsUpdate{}
	for _, v := range views {
		update.Positions = append(update.Positions, notify.PositionLine{
			Pair:     v.Pair,
			State:    v.State,
			Quantity: v.Quantity,
			Entry:    v.EntryPrice,
			Current:  v.CurrentPrice,
			Stop:     v.StopPrice,
			PnL:      v.PnL,
			PnLPct:   v.PnLPct,
		})
		update.TotalEUR += v.CurrentPrice * v.Quantity
		update.TotalPnL += v.PnL
	}
	return update.Render()
}

func (r *Router) ganancias(ctx context.Context) string {
	now := time.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	periods := []struct {
		label string
		since time.Time
	}{
		{"Hoy", today},
		{"7 días", now.AddDate(0, 0, -7)},
		{"30 días", now.AddDate(0, 0, -30)},
		{"Total", time.Time{}},
	}

	var b strings.Builder
	b.WriteString("📈 <b>P&amp;L realizado</b>\n")
	for _, p := range periods {
		pnl, err := r.store.GetRealizedPnLSince(ctx, p.since)
		if err != nil {
			return errReply("consultando ganancias", err)
		}
		fmt.Fprintf(&b, "%s: %+.2f €\n", p.label, pnl)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) exposicion(ctx context.Context) string {
	rep, err := r.control.Exposure(ctx)
	if err != nil {
		return errReply("calculando exposición", err)
	}

	var b strings.Builder
	b.WriteString("📐 <b>Exposición</b>\n")
	fmt.Fprintf(&b, "Total: %.2f € (%.1f%% de %.1f%% permitido)\n", rep.TotalEUR, rep.TotalPct, rep.MaxTotalPct)
	for _, p := range rep.PerPair {
		fmt.Fprintf(&b, "• %s: %.2f € (%.1f%% / máx %.1f%%)\n", escHTML(p.Pair), p.EUR, p.Pct, p.MaxPct)
	}
	fmt.Fprintf(&b, "P&amp;L del día: %+.2f € (límite -%.1f%%)", rep.DailyPnL, rep.DailyLossLimitPct)
	if rep.KillSwitch {
		b.WriteString("\n🔴 Kill-switch activo: sin entradas hasta el próximo día UTC")
	}
	return b.String()
}

func (r *Router) ultimas(ctx context.Context, args []string) string {
	limit := 10
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 && n <= 50 {
			limit = n
		}
	}
	trades, err := r.store.GetTradeHistory(ctx, limit)
	if err != nil {
		return errReply("consultando operaciones", err)
	}
	if len(trades) == 0 {
		return "Sin operaciones registradas."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🧾 <b>Últimas %d operaciones</b>\n", len(trades))
	for _, t := range trades {
		icon := "🟢"
		if t.Side == "SELL" {
			icon = "🔴"
		}
		price := 0.0
		if t.AvgFillPrice != nil {
			price = *t.AvgFillPrice
		} else if t.LimitPrice != nil {
			price = *t.LimitPrice
		}
		fmt.Fprintf(&b, "%s %s %s @ %.2f [%s]%s %s\n",
			icon, escHTML(t.Pair), trimQty(t.RequestedQty), price,
			escHTML(t.Status), dryRunSuffix(t.DryRun),
			t.SubmittedAt.Format("02/01 15:04"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) logs(ctx context.Context) string {
	events, err := r.store.GetRecentEvents(ctx, 15)
	if err != nil {
		return errReply("consultando eventos", err)
	}
	if len(events) == 0 {
		return "Sin eventos registrados."
	}

	var b strings.Builder
	b.WriteString("📋 <b>Eventos recientes</b>\n")
	for _, e := range events {
		pair := ""
		if e.Pair != nil {
			pair = " " + *e.Pair
		}
		fmt.Fprintf(&b, "#%d %s %s%s — %s (%s)\n",
			e.ID, severityIcon(e.Severity), escHTML(e.EventType), escHTML(pair),
			escHTML(truncate(e.Message, 60)), formatDuration(time.Since(e.CreatedAt)))
	}
	b.WriteString("Detalle con /log &lt;id&gt;")
	return b.String()
}

func (r *Router) logDetail(ctx context.Context, args []string) string {
	if len(args) == 0 {
		return "Uso: /log &lt;id&gt;"
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return "Uso: /log &lt;id&gt;"
	}
	event, err := r.store.GetEventByID(ctx, id)
	if err != nil {
		return errReply("consultando el evento", err)
	}
	if event == nil {
		return fmt.Sprintf("No existe el evento #%d.", id)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>Evento #%d</b> %s\n", severityIcon(event.Severity), event.ID, escHTML(event.EventType))
	if event.Pair != nil {
		fmt.Fprintf(&b, "Par: %s\n", escHTML(*event.Pair))
	}
	fmt.Fprintf(&b, "Fecha: %s\n", event.CreatedAt.Format("02/01/2006 15:04:05"))
	fmt.Fprintf(&b, "Mensaje: %s\n", escHTML(event.Message))
	if len(event.Data) > 0 {
		fmt.Fprintf(&b, "<pre>%s</pre>", escHTML(string(event.Data)))
	}
	return strings.TrimRight(b.String(), "\n")
}

// configView renders the running configuration. Credentials never appear
// here.
func (r *Router) configView() string {
	tc := r.cfg.TradingConfig
	st := r.control.Status()

	var b strings.Builder
	b.WriteString("🔧 <b>Configuración</b>\n")
	fmt.Fprintf(&b, "Exchange: %s%s\n", escHTML(st.Venue), dryRunSuffix(tc.DryRun))
	fmt.Fprintf(&b, "Pares: %s\n", escHTML(strings.Join(tc.ActivePairs, ", ")))
	fmt.Fprintf(&b, "Riesgo por operación: %.2f%%\n", tc.RiskPerTradePct)
	fmt.Fprintf(&b, "SL %.2f%% | TP %.2f%%\n", tc.StopLossPct, tc.TakeProfitPct)
	fmt.Fprintf(&b, "Break-even: arma %.2f%%, fija %.2f%%\n", tc.BreakEvenArmPct, tc.BreakEvenLockPct)
	fmt.Fprintf(&b, "Trailing: arma %.2f%%, distancia %.2f%%\n", tc.TrailingArmPct, tc.TrailingDistancePct)
	fmt.Fprintf(&b, "Exposición máx: %.1f%% por par, %.1f%% total\n", tc.MaxPairExposurePct, tc.MaxTotalExposurePct)
	fmt.Fprintf(&b, "Límite de pérdida diaria: %.1f%%\n", tc.DailyLossLimitPct)
	fmt.Fprintf(&b, "Cooldown: %ds | Timeout de orden: %ds\n", tc.CooldownSec, tc.OrderTimeoutSec)
	fmt.Fprintf(&b, "Confianza mínima: %.0f", tc.MinConfidence)
	return b.String()
}

func (r *Router) uptime() string {
	st := r.control.Status()
	return fmt.Sprintf("⏱ En marcha desde hace %s (desde %s)",
		formatDuration(time.Since(st.StartedAt)),
		st.StartedAt.Local().Format("02/01/2006 15:04"))
}

func (r *Router) ayuda() string {
	var b strings.Builder
	b.WriteString("🤖 <b>Comandos disponibles</b>\n")
	for _, c := range DefaultCommands() {
		fmt.Fprintf(&b, "/%s — %s\n", c.Command, escHTML(c.Description))
	}
	b.WriteString("/channels — gestionar chats autorizados\n")
	b.WriteString("/refresh_commands — republicar el menú")
	return b.String()
}

func (r *Router) channels(ctx context.Context, chatID int64, args []string) string {
	if !r.isOperator(ctx, chatID) {
		return soloOperador
	}

	if len(args) >= 2 {
		target, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return "Uso: /channels [autorizar|revocar] &lt;chat_id&gt;"
		}
		switch strings.ToLower(args[0]) {
		case "autorizar":
			if err := r.store.SetChatAuthorized(ctx, target, true); err != nil {
				return errReply("autorizando el chat", err)
			}
			return fmt.Sprintf("✅ Chat %d autorizado.", target)
		case "revocar":
			if target == chatID {
				return "No puedes revocar el chat del operador."
			}
			if err := r.store.SetChatAuthorized(ctx, target, false); err != nil {
				return errReply("revocando el chat", err)
			}
			return fmt.Sprintf("🚫 Chat %d revocado.", target)
		default:
			return "Uso: /channels [autorizar|revocar] &lt;chat_id&gt;"
		}
	}

	chats, err := r.store.ListAuthorizedChats(ctx)
	if err != nil {
		return errReply("listando chats", err)
	}
	var b strings.Builder
	b.WriteString("📡 <b>Chats autorizados</b>\n")
	sort.Slice(chats, func(i, j int) bool { return chats[i].ChatID < chats[j].ChatID })
	for _, c := range chats {
		name := ""
		if c.Username != nil {
			name = " @" + *c.Username
		}
		role := ""
		if c.IsOperator {
			role = " (operador)"
		}
		fmt.Fprintf(&b, "• %d%s%s\n", c.ChatID, escHTML(name), role)
	}
	b.WriteString("Gestión: /channels autorizar &lt;chat_id&gt; | /channels revocar &lt;chat_id&gt;")
	return b.String()
}

func (r *Router) pausar(ctx context.Context, chatID int64) string {
	if !r.isOperator(ctx, chatID) {
		return soloOperador
	}
	if err := r.control.Pause(ctx, "telegram"); err != nil {
		return errReply("pausando el bot", err)
	}
	return "⏸️ Bot pausado. Las posiciones abiertas se siguen gestionando; no habrá nuevas entradas."
}

func (r *Router) reanudar(ctx context.Context, chatID int64) string {
	if !r.isOperator(ctx, chatID) {
		return soloOperador
	}
	if err := r.control.Resume(ctx); err != nil {
		return errReply("reanudando el bot", err)
	}
	return "▶️ Bot reanudado."
}

// cerrar queues a manual close; the engine executes it at the next tick.
func (r *Router) cerrar(ctx context.Context, chatID int64, args []string) string {
	if !r.isOperator(ctx, chatID) {
		return soloOperador
	}
	if len(args) == 0 {
		return "Uso: /cerrar &lt;par&gt; (p. ej. /cerrar BTC/EUR)"
	}
	pair := strings.ToUpper(args[0])
	if !strings.Contains(pair, "/") {
		return "Uso: /cerrar &lt;par&gt; (p. ej. /cerrar BTC/EUR)"
	}
	if err := r.control.RequestClose(pair); err != nil {
		return errReply("solicitando el cierre", err)
	}
	return fmt.Sprintf("📤 Cierre manual de %s solicitado. Se ejecuta en el próximo tick.", escHTML(pair))
}

func (r *Router) venue(ctx context.Context, chatID int64, args []string) string {
	if len(args) == 0 {
		st := r.control.Status()
		return fmt.Sprintf("🏦 Exchange de trading: <b>%s</b>\nCambiar con /venue kraken | /venue revolutx", escHTML(st.Venue))
	}
	if !r.isOperator(ctx, chatID) {
		return soloOperador
	}
	venue := strings.ToLower(args[0])
	if venue != exchange.VenueKraken && venue != exchange.VenueRevolutX {
		return "Uso: /venue [kraken|revolutx]"
	}
	if err := r.control.RequestVenueChange(venue); err != nil {
		return errReply("cambiando el exchange", err)
	}
	return fmt.Sprintf("🏦 Cambio a <b>%s</b> solicitado. Se aplica en el próximo tick si no hay posiciones abiertas.", escHTML(venue))
}

// fiscoSync shows the sync history or, for the operator, runs a sync now.
// "rebuild" purges the FIFO book and replays the full venue history.
func (r *Router) fiscoSync(ctx context.Context, chatID int64, args []string) string {
	if len(args) == 0 {
		runs, err := r.store.GetSyncHistory(ctx, 5)
		if err != nil {
			return errReply("consultando el historial fiscal", err)
		}
		if len(runs) == 0 {
			return "Sin sincronizaciones fiscales registradas."
		}
		var b strings.Builder
		b.WriteString("🧾 <b>Sincronizaciones fiscales</b>\n")
		for _, run := range runs {
			icon := "✅"
			if run.Status != database.SyncStatusOK {
				icon = "❌"
			}
			fmt.Fprintf(&b, "%s %s %s — %d fills, %d lotes, %d ventas",
				icon, run.StartedAt.Format("02/01 15:04"), escHTML(run.Venue),
				run.FillsFetched, run.LotsCreated, run.DisposalsCreated)
			if run.Warnings > 0 {
				fmt.Fprintf(&b, " (%d avisos)", run.Warnings)
			}
			b.WriteString("\n")
		}
		b.WriteString("Ejecutar: /fisco_sync ahora | /fisco_sync rebuild")
		return b.String()
	}

	if !r.isOperator(ctx, chatID) {
		return soloOperador
	}
	if r.syncer == nil {
		return "El módulo fiscal está desactivado."
	}

	var (
		run *database.SyncRun
		err error
	)
	switch strings.ToLower(args[0]) {
	case "ahora":
		run, err = r.syncer.Run(ctx)
	case "rebuild":
		run, err = r.syncer.Rebuild(ctx)
	default:
		return "Uso: /fisco_sync [ahora|rebuild]"
	}
	if err != nil {
		return errReply("sincronizando el libro fiscal", err)
	}
	summary := &notify.FiscoSyncSummary{
		Venue:     run.Venue,
		Fills:     run.FillsFetched,
		Lots:      run.LotsCreated,
		Disposals: run.DisposalsCreated,
		Warnings:  run.Warnings,
		Status:    run.Status,
	}
	return summary.Render()
}

func (r *Router) informeFiscal(ctx context.Context, args []string) string {
	year := time.Now().UTC().Year()
	if len(args) > 0 {
		if y, err := strconv.Atoi(args[0]); err == nil && y >= 2000 && y <= 2100 {
			year = y
		}
	}
	report, err := r.fiscal.YearReport(ctx, year)
	if err != nil {
		return errReply("generando el informe fiscal", err)
	}

	n := &notify.FiscoReportGenerated{
		From:      report.From.Format("02/01/2006"),
		To:        report.To.AddDate(0, 0, -1).Format("02/01/2006"),
		GainEUR:   report.Total.GainEUR.StringFixed(2),
		CleanEUR:  report.Clean.GainEUR.StringFixed(2),
		Disposals: report.Total.Disposals,
		Warnings:  report.Warnings,
	}
	body := n.Render()

	if len(report.ByAsset) > 0 {
		assets := make([]string, 0, len(report.ByAsset))
		for asset := range report.ByAsset {
			assets = append(assets, asset)
		}
		sort.Strings(assets)
		var b strings.Builder
		b.WriteString(body)
		b.WriteString("\n\n<b>Por activo</b>\n")
		for _, asset := range assets {
			g := report.ByAsset[asset]
			fmt.Fprintf(&b, "• %s: %s € (%d ventas)\n", escHTML(asset), g.GainEUR.StringFixed(2), g.Disposals)
		}
		body = strings.TrimRight(b.String(), "\n")
	}
	return body
}

func (r *Router) refreshCommands(ctx context.Context, chatID int64) string {
	if !r.isOperator(ctx, chatID) {
		return soloOperador
	}
	if err := r.publisher.SetMyCommands(ctx, DefaultCommands()); err != nil {
		return errReply("publicando los comandos", err)
	}
	return "✅ Menú de comandos actualizado."
}

// === Formatting helpers ===

func errReply(doing string, err error) string {
	return fmt.Sprintf("⚠️ Error %s: %s", doing, escHTML(err.Error()))
}

func dryRunSuffix(dryRun bool) string {
	if dryRun {
		return " [DRY_RUN]"
	}
	return ""
}

func severityIcon(severity string) string {
	switch severity {
	case database.SeverityWarning:
		return "⚠️"
	case database.SeverityError, database.SeverityCritical:
		return "🚨"
	default:
		return "ℹ️"
	}
}

func trimQty(v float64) string {
	s := fmt.Sprintf("%.8f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
	case d >= time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	case d >= time.Minute:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
}
