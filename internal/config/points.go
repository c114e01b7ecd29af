package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/iliyamo/review-points-service/internal/model"
	"github.com/iliyamo/review-points-service/internal/points"
)

// PointsSettings is the tunable part of the ledger: milestone thresholds,
// tier bands and review bonuses.
type PointsSettings struct {
	Milestones points.MilestoneTable
	Tiers      []points.Tier
	Review     points.ReviewScoring
}

// DefaultPointsSettings returns the built-in tables.
func DefaultPointsSettings() PointsSettings {
	return PointsSettings{
		Milestones: points.DefaultMilestones(),
		Tiers:      points.DefaultTiers(),
		Review:     points.DefaultReviewScoring(),
	}
}

type reviewSection struct {
	ActionType       string `toml:"action_type"`
	DetailedMinChars int    `toml:"detailed_min_chars"`
	DetailedBonus    int64  `toml:"detailed_bonus"`
	PhotoBonus       int64  `toml:"photo_bonus"`
	MaxPhotos        int    `toml:"max_photos"`
	FirstReviewBonus int64  `toml:"first_review_bonus"`
}

type tierSection struct {
	Name              string `toml:"name"`
	MinLifetimePoints int64  `toml:"min_lifetime_points"`
}

type milestoneSection struct {
	Threshold int   `toml:"threshold"`
	Points    int64 `toml:"points"`
}

type pointsFile struct {
	Review     reviewSection                 `toml:"review"`
	Tiers      []tierSection                 `toml:"tiers"`
	Milestones map[string][]milestoneSection `toml:"milestones"`
}

// LoadPoints reads the TOML file at path.  An empty path yields the
// defaults.  Sections absent from the file keep their defaults; a present
// [[tiers]] list or milestones.<kind> list replaces the default entirely.
func LoadPoints(path string) (PointsSettings, error) {
	if path == "" {
		return DefaultPointsSettings(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return PointsSettings{}, fmt.Errorf("read points config: %w", err)
	}
	return ParsePoints(data)
}

// ParsePoints decodes a points configuration document.  Unknown keys are
// rejected.
func ParsePoints(data []byte) (PointsSettings, error) {
	def := DefaultPointsSettings()
	f := pointsFile{Review: reviewSection(def.Review)}
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return PointsSettings{}, fmt.Errorf("decode points config: %w", err)
	}

	out := PointsSettings{Review: points.ReviewScoring(f.Review), Tiers: def.Tiers, Milestones: def.Milestones}
	if !points.ValidActionType(out.Review.ActionType) {
		return PointsSettings{}, fmt.Errorf("points config: review.action_type %q is malformed", out.Review.ActionType)
	}
	if out.Review.DetailedBonus < 0 || out.Review.PhotoBonus < 0 || out.Review.FirstReviewBonus < 0 || out.Review.MaxPhotos < 0 {
		return PointsSettings{}, fmt.Errorf("points config: review bonuses must not be negative")
	}

	if len(f.Tiers) > 0 {
		tiers := make([]points.Tier, 0, len(f.Tiers))
		for _, t := range f.Tiers {
			tiers = append(tiers, points.Tier(t))
		}
		out.Tiers = tiers
	}
	tiers, err := points.NormalizeTiers(out.Tiers)
	if err != nil {
		return PointsSettings{}, fmt.Errorf("points config: %w", err)
	}
	out.Tiers = tiers

	for kind, levels := range f.Milestones {
		ls := make([]points.MilestoneLevel, 0, len(levels))
		for _, l := range levels {
			ls = append(ls, points.MilestoneLevel(l))
		}
		out.Milestones[model.MilestoneKind(kind)] = ls
	}
	table, err := out.Milestones.Normalize()
	if err != nil {
		return PointsSettings{}, fmt.Errorf("points config: %w", err)
	}
	out.Milestones = table
	return out, nil
}

// LedgerOptions turns the settings into ledger options.
func (s PointsSettings) LedgerOptions() []points.Option {
	return []points.Option{
		points.WithMilestones(s.Milestones),
		points.WithTiers(s.Tiers),
		points.WithReviewScoring(s.Review),
	}
}
