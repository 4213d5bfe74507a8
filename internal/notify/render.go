package notify

import (
	"fmt"
	"strings"
	"time"
)

// esc escapes the characters Telegram's HTML parse mode reserves. Free-text
// fields (reasons, error messages) pass through here; fixed labels do not.
var esc = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace

func dryTag(dryRun bool) string {
	if dryRun {
		return " [DRY_RUN]"
	}
	return ""
}

func signedEUR(v float64) string {
	return fmt.Sprintf("%+.2f €", v)
}

func qty(v float64) string {
	s := fmt.Sprintf("%.8f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

func (n *BotStarted) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "🤖 <b>Bot iniciado</b>%s\n", dryTag(n.DryRun))
	if n.Version != "" {
		fmt.Fprintf(&b, "Versión: %s\n", esc(n.Version))
	}
	fmt.Fprintf(&b, "Exchange: %s\n", esc(n.Venue))
	fmt.Fprintf(&b, "Pares: %s", esc(strings.Join(n.Pairs, ", ")))
	return b.String()
}

func (n *Heartbeat) Render() string {
	estado := "▶️ Operando"
	if n.Paused {
		estado = "⏸️ Pausado"
	}
	return fmt.Sprintf(
		"💓 <b>Heartbeat</b>\nActivo: %s\nTicks: %d\nPosiciones abiertas: %d\nExchange: %s\nEstado: %s",
		formatUptime(n.Uptime), n.Ticks, n.OpenPositions, esc(n.Venue), estado,
	)
}

func (n *TradeBuy) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "🟢 <b>COMPRA %s</b>%s\n", esc(n.Pair), dryTag(n.DryRun))
	fmt.Fprintf(&b, "%s @ %.2f €\n", qty(n.Quantity), n.Price)
	fmt.Fprintf(&b, "Coste: %.2f € (comisión %.2f €)\n", n.CostEUR, n.FeeEUR)
	fmt.Fprintf(&b, "Estrategia: %s\n", esc(n.Strategy))
	if n.Reason != "" {
		fmt.Fprintf(&b, "Motivo: %s", esc(n.Reason))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (n *TradeSell) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔴 <b>VENTA %s</b>%s\n", esc(n.Pair), dryTag(n.DryRun))
	fmt.Fprintf(&b, "%s @ %.2f €\n", qty(n.Quantity), n.Price)
	fmt.Fprintf(&b, "Ingreso: %.2f €\n", n.ProceedsEUR)
	fmt.Fprintf(&b, "P&amp;L: %s (%+.2f%%)\n", signedEUR(n.PnL), n.PnLPct)
	fmt.Fprintf(&b, "Motivo: %s", esc(n.Reason))
	return b.String()
}

func (n *PositionsUpdate) Render() string {
	if len(n.Positions) == 0 {
		return "📊 <b>Posiciones</b>\nSin posiciones abiertas."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>Posiciones abiertas</b> (%d)\n", len(n.Positions))
	for _, p := range n.Positions {
		fmt.Fprintf(&b, "• %s [%s] %s @ %.2f | ahora %.2f | stop %.2f | %s (%+.2f%%)\n",
			esc(p.Pair), p.State, qty(p.Quantity), p.Entry, p.Current, p.Stop,
			signedEUR(p.PnL), p.PnLPct)
	}
	fmt.Fprintf(&b, "Valor: %.2f € | P&amp;L: %s", n.TotalEUR, signedEUR(n.TotalPnL))
	return b.String()
}

func (n *EntryIntent) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "🎯 <b>Señal %s %s</b>\n", esc(n.Side), esc(n.Pair))
	fmt.Fprintf(&b, "Estrategia: %s\n", esc(n.Strategy))
	fmt.Fprintf(&b, "Confianza: %.0f (umbral %.0f)\n", n.Confidence, n.Threshold)
	if n.Reason != "" {
		fmt.Fprintf(&b, "Motivo: %s", esc(n.Reason))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (n *ErrorAlert) Render() string {
	return fmt.Sprintf("🚨 <b>Error</b> [%s]\n%s", esc(n.Source), esc(n.Message))
}

func (n *RegimeChange) Render() string {
	return fmt.Sprintf(
		"🌊 <b>Cambio de régimen %s</b>\n%s → %s\n%s",
		esc(n.Pair), esc(n.From), esc(n.To), esc(n.Reason),
	)
}

func (n *DailyReport) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "📈 <b>Informe diario %s</b>\n", esc(n.Date))
	fmt.Fprintf(&b, "Exchange: %s", esc(n.Venue))
	if n.Paused {
		b.WriteString(" (pausado)")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "P&amp;L realizado: %s\n", signedEUR(n.RealizedPnL))
	winRate := 0.0
	if n.Trades > 0 {
		winRate = float64(n.Wins) / float64(n.Trades) * 100
	}
	fmt.Fprintf(&b, "Operaciones: %d (aciertos %.0f%%)\n", n.Trades, winRate)
	fmt.Fprintf(&b, "Saldo libre: %.2f € | Total: %.2f €\n", n.FreeQuoteEUR, n.TotalEUR)
	if len(n.OpenPositions) == 0 {
		b.WriteString("Sin posiciones abiertas.")
	} else {
		fmt.Fprintf(&b, "Posiciones abiertas: %d\n", len(n.OpenPositions))
		for _, p := range n.OpenPositions {
			fmt.Fprintf(&b, "• %s %s @ %.2f | %s\n", esc(p.Pair), qty(p.Quantity), p.Entry, signedEUR(p.PnL))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (n *FiscoSyncSummary) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "🧾 <b>Sincronización fiscal</b> (%s)\n", esc(n.Venue))
	fmt.Fprintf(&b, "Estado: %s\n", esc(n.Status))
	fmt.Fprintf(&b, "Fills: %d | Lotes: %d | Ventas: %d\n", n.Fills, n.Lots, n.Disposals)
	if n.Warnings > 0 {
		fmt.Fprintf(&b, "⚠️ Avisos: %d ventas sin lote de origen\n", n.Warnings)
	}
	if n.Error != "" {
		fmt.Fprintf(&b, "Error: %s", esc(n.Error))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (n *FiscoReportGenerated) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "🧾 <b>Informe fiscal</b> %s a %s\n", esc(n.From), esc(n.To))
	fmt.Fprintf(&b, "Ganancia realizada: %s €\n", esc(n.GainEUR))
	if n.Warnings > 0 {
		fmt.Fprintf(&b, "Sin avisos: %s €\n", esc(n.CleanEUR))
		fmt.Fprintf(&b, "⚠️ %d ventas sin coste de adquisición\n", n.Warnings)
	}
	fmt.Fprintf(&b, "Ventas computadas: %d", n.Disposals)
	return b.String()
}

func (n *FiscoAlert) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 <b>Aviso fiscal %d</b>\n", n.Year)
	fmt.Fprintf(&b, "Ganancia realizada del año: %s €\n", esc(n.GainEUR))
	fmt.Fprintf(&b, "Umbral configurado: %s €\n", esc(n.ThresholdEUR))
	b.WriteString("Revisa la situación antes de seguir vendiendo.")
	return b.String()
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Minute)
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, mins)
	default:
		return fmt.Sprintf("%dm", mins)
	}
}
