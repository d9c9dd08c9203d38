package telemetry

import (
	"log/slog"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// RunSummary holds aggregated statistics for a whole run.
type RunSummary struct {
	TotalTicks       int `csv:"total_ticks"`
	ProcessedTicks   int `csv:"processed_ticks"`
	CalibrationTicks int `csv:"calibration_ticks"`
	Stalls           int `csv:"stalls"`
	CompletedWafers  int `csv:"completed_wafers"`
	Defects          int `csv:"defects"`

	// Per-wafer energy distribution (watt-minutes)
	EnergyMean float64 `csv:"energy_mean"`
	EnergyP10  float64 `csv:"energy_p10"`
	EnergyP50  float64 `csv:"energy_p50"`
	EnergyP90  float64 `csv:"energy_p90"`

	// Per-wafer stall distribution
	StallMean float64 `csv:"stall_mean"`
	StallMax  float64 `csv:"stall_max"`
}

type summaryInputs struct {
	totalTicks       int
	processedTicks   int
	calibrationTicks int
	stalls           int
	completedWafers  int
	defects          int
	waferEnergies    []float64
	waferStalls      []float64
}

func buildSummary(in summaryInputs) RunSummary {
	s := RunSummary{
		TotalTicks:       in.totalTicks,
		ProcessedTicks:   in.processedTicks,
		CalibrationTicks: in.calibrationTicks,
		Stalls:           in.stalls,
		CompletedWafers:  in.completedWafers,
		Defects:          in.defects,
	}

	if len(in.waferEnergies) > 0 {
		sorted := append([]float64(nil), in.waferEnergies...)
		sort.Float64s(sorted)
		s.EnergyMean = stat.Mean(sorted, nil)
		s.EnergyP10 = stat.Quantile(0.10, stat.Empirical, sorted, nil)
		s.EnergyP50 = stat.Quantile(0.50, stat.Empirical, sorted, nil)
		s.EnergyP90 = stat.Quantile(0.90, stat.Empirical, sorted, nil)
	}

	if len(in.waferStalls) > 0 {
		sorted := append([]float64(nil), in.waferStalls...)
		sort.Float64s(sorted)
		s.StallMean = stat.Mean(sorted, nil)
		s.StallMax = sorted[len(sorted)-1]
	}

	return s
}

// LogValue implements slog.LogValuer for structured logging.
func (s RunSummary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("total_ticks", s.TotalTicks),
		slog.Int("processed_ticks", s.ProcessedTicks),
		slog.Int("calibration_ticks", s.CalibrationTicks),
		slog.Int("stalls", s.Stalls),
		slog.Int("completed_wafers", s.CompletedWafers),
		slog.Int("defects", s.Defects),
		slog.Float64("energy_mean", s.EnergyMean),
		slog.Float64("energy_p10", s.EnergyP10),
		slog.Float64("energy_p50", s.EnergyP50),
		slog.Float64("energy_p90", s.EnergyP90),
		slog.Float64("stall_mean", s.StallMean),
		slog.Float64("stall_max", s.StallMax),
	)
}
