// Command fiscoreport prints the FIFO realized-gain report for one fiscal
// year, straight from the disposal book. It is the offline companion to the
// /informe_fiscal Telegram command, meant for the yearly tax declaration.
//
// Usage:
//
//	fiscoreport -year 2025 [-json]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/fisco"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/logging"
)

func main() {
	year := flag.Int("year", time.Now().UTC().Year(), "fiscal year to report")
	asJSON := flag.Bool("json", false, "emit the raw report as JSON")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logging.Setup("warn", true)

	ctx := context.Background()
	db, err := database.NewDB(cfg.DatabaseConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	reporter := fisco.NewReporter(database.NewRepository(db), nil)
	report, err := reporter.YearReport(ctx, *year)
	if err != nil {
		fmt.Fprintf(os.Stderr, "report: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			os.Exit(1)
		}
		return
	}
	printReport(*year, report)
}

func printReport(year int, r *fisco.Report) {
	fmt.Printf("Informe fiscal FIFO — ejercicio %d\n", year)
	fmt.Printf("Periodo: %s a %s\n\n",
		r.From.Format("2006-01-02"), r.To.AddDate(0, 0, -1).Format("2006-01-02"))

	fmt.Printf("%-8s %12s %12s %12s %6s\n", "Activo", "Ventas EUR", "Coste EUR", "Ganancia", "Ops")
	assets := make([]string, 0, len(r.ByAsset))
	for asset := range r.ByAsset {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	for _, asset := range assets {
		s := r.ByAsset[asset]
		fmt.Printf("%-8s %12s %12s %12s %6d\n",
			asset, s.ProceedsEUR.StringFixed(2), s.CostEUR.StringFixed(2), s.GainEUR.StringFixed(2), s.Disposals)
	}

	fmt.Printf("\nTotal:  %s EUR realizados en %d operaciones\n",
		r.Total.GainEUR.StringFixed(2), r.Total.Disposals)
	if r.Warnings > 0 {
		fmt.Printf("Limpio: %s EUR (excluye %d operaciones con coste desconocido)\n",
			r.Clean.GainEUR.StringFixed(2), r.Warnings)
		fmt.Printf("Aviso: revisa las %d operaciones marcadas antes de declarar.\n", r.Warnings)
	}
}
