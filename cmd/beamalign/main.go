package main

import (
	"context"
	"log"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/beamops/beamalign/internal/align"
	"github.com/beamops/beamalign/internal/cache"
	"github.com/beamops/beamalign/internal/config"
	"github.com/beamops/beamalign/internal/device/sim"
	"github.com/beamops/beamalign/internal/engine"
	"github.com/beamops/beamalign/internal/tui"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		log.Fatalf("mkdir db dir: %v", err)
	}

	if err := cache.RunMigrations(cfg.Database.Path, cfg.Database.MigrationsPath); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	db, err := cache.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := cache.NewStore(db)
	values := cache.NewValues()
	if saved, err := store.ReadAll(ctx); err != nil {
		log.Printf("warn: nominal store unreadable: %v", err)
	} else {
		values.Merge(saved)
	}

	// Simulated beamline branches. dg3 is mounted upside down on the
	// real line, so its slot defaults to the 180 degree rotation; the
	// [system.rotations] table overrides any slot's mounting.
	homs := sim.HomsBranch(cfg.Sim.Noise)
	mfx := sim.MfxBranch(cfg.Sim.Noise)
	rot := func(key string, def int) int {
		if deg, ok := cfg.System.Rotations[key]; ok {
			return deg
		}
		return def
	}
	homs.Imagers["hx2"].SetRotation(rot("m1h", 0))
	homs.Imagers["dg3"].SetRotation(rot("m2h", 180))
	mfx.Imagers["mfxdg1"].SetRotation(rot("mfx", 0))

	system := align.NewSystem()
	system.Add("m1h", align.SlotSet{
		Mirror:   homs.Mirrors["m1h"],
		Imager:   homs.Imagers["hx2"],
		Slits:    homs.Slits["hx2_slits"],
		Rotation: rot("m1h", 0),
	})
	system.Add("m2h", align.SlotSet{
		Mirror:   homs.Mirrors["m2h"],
		Imager:   homs.Imagers["dg3"],
		Slits:    homs.Slits["dg3_slits"],
		Rotation: rot("m2h", 180),
	})
	system.Add("mfx", align.SlotSet{
		Mirror:   mfx.Mirrors["xrtm2"],
		Imager:   mfx.Imagers["mfxdg1"],
		Slits:    mfx.Slits["mfxdg1_slits"],
		Rotation: rot("mfx", 0),
	})

	procedures := align.DefaultProcedures()
	if len(cfg.Procedures) > 0 {
		procedures = procedures[:0]
		for _, p := range cfg.Procedures {
			procedures = append(procedures, align.Procedure{Name: p.Name, Groups: p.Groups})
		}
	}

	panel := tui.NewPanel()
	status := tui.NewStatusLog(8)

	var orch *align.Orchestrator
	groups := panel.Groups(values, func() *float64 {
		if orch == nil {
			return nil
		}
		return orch.Goal()
	})
	orch = align.New(align.Deps{
		System:     system,
		Procedures: procedures,
		Engine:     engine.NewSim(),
		Values:     values,
		Store:      store,
		Status:     status,
		Params: align.PlanParams{
			FirstStep:        cfg.Plan.FirstStep,
			Tolerance:        cfg.Plan.Tolerance,
			Averages:         cfg.Plan.Averages,
			TolScaling:       cfg.Plan.TolScaling,
			Timeout:          cfg.Plan.Timeout,
			LegacyGoalOffset: cfg.Plan.LegacyGoalOffset,
		},
		Groups: groups,
	})
	defer orch.Close()

	if cfg.UI.Procedure != "" {
		orch.SelectProcedure(cfg.UI.Procedure)
	}

	app := tui.New(ctx, orch, panel, status)
	if _, err := tea.NewProgram(app, tea.WithAltScreen()).Run(); err != nil {
		log.Fatalf("tui: %v", err)
	}
}
