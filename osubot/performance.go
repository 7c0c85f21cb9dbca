package osubot

import (
	"fmt"
	"math"
)

// Performance is the pp breakdown of a score. Which components are set
// depends on the mode.
type Performance struct {
	Mode       Mode    `json:"mode"`
	Total      float64 `json:"total"`
	Aim        float64 `json:"aim,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
	Accuracy   float64 `json:"accuracy,omitempty"`
	Flashlight float64 `json:"flashlight,omitempty"`
	Difficulty float64 `json:"difficulty,omitempty"`

	// IfFC is the score's pp with its misses converted to hits and full
	// combo
	IfFC float64 `json:"if_fc,omitempty"`
}

// CalculatePerformance recalculates a score's pp from the beatmap's
// difficulty attributes. The score's mode selects the formula.
func CalculatePerformance(
	score Score,
	beatmap Beatmap,
	attrs DifficultyAttributes,
) (Performance, error) {
	var calc func(Score, Beatmap, DifficultyAttributes) Performance
	switch score.Mode {
	case ModeStandard:
		calc = standardPerformance
	case ModeTaiko:
		calc = taikoPerformance
	case ModeCatch:
		calc = catchPerformance
	case ModeMania:
		calc = maniaPerformance
	default:
		return Performance{}, fmt.Errorf("%w: %d", ErrInvalidMode, score.Mode)
	}

	p := calc(score, beatmap, attrs)
	if score.Statistics.Miss > 0 || (attrs.MaxCombo > 0 && score.MaxCombo < attrs.MaxCombo) {
		p.IfFC = calc(fullCombo(score, attrs), beatmap, attrs).Total
	} else {
		p.IfFC = p.Total
	}
	p.Mode = score.Mode
	return p, nil
}

// fullCombo returns the score with its misses counted as greats and
// its combo at the beatmap max
func fullCombo(score Score, attrs DifficultyAttributes) Score {
	fc := score
	fc.Statistics.Great += fc.Statistics.Miss
	fc.Statistics.Miss = 0
	fc.MaxCombo = attrs.MaxCombo
	fc.Accuracy = scoreAccuracy(fc)
	return fc
}

// scoreAccuracy computes a score's accuracy (0-1) from its judgements
func scoreAccuracy(s Score) float64 {
	st := s.Statistics
	switch s.Mode {
	case ModeTaiko:
		total := st.Great + st.Ok + st.Miss
		if total == 0 {
			return 0
		}
		return (float64(st.Great) + float64(st.Ok)*0.5) / float64(total)
	case ModeCatch:
		hits := st.Great + st.LargeTickHit + st.SmallTickHit
		total := hits + st.Miss + st.LargeTickMiss + st.SmallTickMiss
		if total == 0 {
			return 0
		}
		return float64(hits) / float64(total)
	case ModeMania:
		total := st.Perfect + st.Great + st.Good + st.Ok + st.Meh + st.Miss
		if total == 0 {
			return 0
		}
		return float64(
			st.Perfect*305+st.Great*300+st.Good*200+st.Ok*100+st.Meh*50,
		) / float64(total*305)
	default:
		total := st.Great + st.Ok + st.Meh + st.Miss
		if total == 0 {
			return 0
		}
		return float64(st.Great*300+st.Ok*100+st.Meh*50) / float64(total*300)
	}
}

func standardPerformance(s Score, b Beatmap, a DifficultyAttributes) Performance {
	st := s.Statistics
	totalHits := float64(st.Great + st.Ok + st.Meh + st.Miss)
	if totalHits == 0 {
		return Performance{}
	}
	misses := float64(st.Miss)

	multiplier := 1.14
	if s.Mods.Has(ModNoFail) {
		multiplier *= math.Max(0.9, 1-0.02*misses)
	}
	if s.Mods.Has(ModSpunOut) && b.CountSpinners > 0 {
		multiplier *= 1 - math.Pow(float64(b.CountSpinners)/totalHits, 0.85)
	}

	lengthBonus := 0.95 + 0.4*math.Min(1, totalHits/2000)
	if totalHits > 2000 {
		lengthBonus += math.Log10(totalHits/2000) * 0.5
	}
	missPenalty := func() float64 {
		if misses == 0 {
			return 1
		}
		return 0.97 * math.Pow(1-math.Pow(misses/totalHits, 0.775), misses)
	}
	comboScaling := 1.0
	if a.MaxCombo > 0 {
		comboScaling = math.Min(math.Pow(float64(s.MaxCombo)/float64(a.MaxCombo), 0.8), 1)
	}
	od := a.OverallDifficulty
	ar := a.ApproachRate

	// aim
	aim := math.Pow(5*math.Max(1, a.AimDifficulty/0.0675)-4, 3) / 100000
	aim *= lengthBonus * missPenalty() * comboScaling
	arFactor := 0.0
	if ar > 10.33 {
		arFactor = 0.3 * (ar - 10.33)
	} else if ar < 8 {
		arFactor = 0.05 * (8 - ar)
	}
	aim *= 1 + arFactor*lengthBonus
	if s.Mods.Has(ModHidden) {
		aim *= 1 + 0.04*(12-ar)
	}
	aim *= s.Accuracy * (0.98 + od*od/2500)

	// speed
	speed := math.Pow(5*math.Max(1, a.SpeedDifficulty/0.0675)-4, 3) / 100000
	speed *= lengthBonus * missPenalty() * comboScaling
	if ar > 10.33 {
		speed *= 1 + 0.3*(ar-10.33)*lengthBonus
	}
	if s.Mods.Has(ModHidden) {
		speed *= 1 + 0.04*(12-ar)
	}
	speed *= (0.95 + od*od/750) * math.Pow(s.Accuracy, (14.5-math.Max(od, 8))/2)
	speed *= math.Pow(0.99, math.Max(0, float64(st.Meh)-totalHits/500))

	// accuracy
	circles := float64(b.CountCircles)
	betterAccuracy := 0.0
	if circles > 0 {
		greatsOnCircles := float64(st.Great) - (totalHits - circles)
		betterAccuracy = math.Max(
			0,
			(greatsOnCircles*6+float64(st.Ok)*2+float64(st.Meh))/(circles*6),
		)
	}
	accuracy := math.Pow(1.52163, od) * math.Pow(betterAccuracy, 24) * 2.83
	accuracy *= math.Min(1.15, math.Pow(circles/1000, 0.3))
	if s.Mods.Has(ModHidden) {
		accuracy *= 1.08
	}
	if s.Mods.Has(ModFlashlight) {
		accuracy *= 1.02
	}

	// flashlight
	flashlight := 0.0
	if s.Mods.Has(ModFlashlight) {
		flashlight = 25 * math.Pow(a.FlashlightDifficulty, 2)
		if s.Mods.Has(ModHidden) {
			flashlight *= 1.3
		}
		flashlight *= missPenalty() * comboScaling
		flashlight *= 0.7 + 0.1*math.Min(1, totalHits/200)
		if totalHits > 200 {
			flashlight += 0.2 * math.Min(1, (totalHits-200)/200)
		}
		flashlight *= 0.5 + s.Accuracy/2
		flashlight *= 0.98 + od*od/2500
	}

	total := math.Pow(
		math.Pow(aim, 1.1)+
			math.Pow(speed, 1.1)+
			math.Pow(accuracy, 1.1)+
			math.Pow(flashlight, 1.1),
		1/1.1,
	) * multiplier

	return Performance{
		Total:      total,
		Aim:        aim,
		Speed:      speed,
		Accuracy:   accuracy,
		Flashlight: flashlight,
	}
}

func taikoPerformance(s Score, _ Beatmap, a DifficultyAttributes) Performance {
	st := s.Statistics
	totalHits := float64(st.Great + st.Ok + st.Miss)
	if totalHits == 0 {
		return Performance{}
	}

	multiplier := 1.13
	if s.Mods.Has(ModHidden) {
		multiplier *= 1.075
	}
	if s.Mods.Has(ModEasy) {
		multiplier *= 0.975
	}

	lengthBonus := 1 + 0.1*math.Min(1, totalHits/1500)
	difficulty := math.Pow(5*math.Max(1, a.StarRating/0.115)-4, 2.25) / 1150
	difficulty *= lengthBonus
	difficulty *= math.Pow(0.986, float64(st.Miss))
	if s.Mods.Has(ModHidden) {
		difficulty *= 1.025
	}
	if s.Mods.Has(ModFlashlight) {
		difficulty *= 1.05 * lengthBonus
	}
	difficulty *= math.Pow(s.Accuracy, 2)

	accuracy := 0.0
	if a.GreatHitWindow > 0 {
		accuracy = math.Pow(150/a.GreatHitWindow, 1.1) *
			math.Pow(s.Accuracy, 15) * 22 *
			math.Min(1.15, math.Pow(totalHits/1500, 0.3))
		if s.Mods.Has(ModHidden) && s.Mods.Has(ModFlashlight) {
			accuracy *= math.Max(1.05, 1.075*lengthBonus)
		}
	}

	total := math.Pow(
		math.Pow(difficulty, 1.1)+math.Pow(accuracy, 1.1),
		1/1.1,
	) * multiplier
	return Performance{Total: total, Difficulty: difficulty, Accuracy: accuracy}
}

func catchPerformance(s Score, _ Beatmap, a DifficultyAttributes) Performance {
	st := s.Statistics
	comboHits := float64(st.Great + st.LargeTickHit + st.Miss)
	if comboHits == 0 {
		return Performance{}
	}

	value := math.Pow(5*math.Max(1, a.StarRating/0.0049)-4, 2) / 100000
	lengthBonus := 0.95 + 0.3*math.Min(1, comboHits/2500)
	if comboHits > 2500 {
		lengthBonus += math.Log10(comboHits/2500) * 0.475
	}
	value *= lengthBonus
	value *= math.Pow(0.97, float64(st.Miss))
	if a.MaxCombo > 0 {
		value *= math.Min(math.Pow(float64(s.MaxCombo), 0.8)/math.Pow(float64(a.MaxCombo), 0.8), 1)
	}

	ar := a.ApproachRate
	arFactor := 1.0
	if ar > 9 {
		arFactor += 0.1 * (ar - 9)
	}
	if ar > 10 {
		arFactor += 0.1 * (ar - 10)
	} else if ar < 8 {
		arFactor += 0.025 * (8 - ar)
	}
	value *= arFactor
	if s.Mods.Has(ModHidden) {
		if ar <= 10 {
			value *= 1.05 + 0.075*(10-ar)
		} else {
			value *= 1.01 + 0.04*(11-math.Min(11, ar))
		}
	}
	if s.Mods.Has(ModFlashlight) {
		value *= 1.35 * lengthBonus
	}
	value *= math.Pow(s.Accuracy, 5.5)
	if s.Mods.Has(ModNoFail) {
		value *= 0.9
	}
	return Performance{Total: value, Difficulty: value}
}

func maniaPerformance(s Score, _ Beatmap, a DifficultyAttributes) Performance {
	st := s.Statistics
	totalHits := float64(st.Perfect + st.Great + st.Good + st.Ok + st.Meh + st.Miss)
	if totalHits == 0 {
		return Performance{}
	}

	multiplier := 8.0
	if s.Mods.Has(ModNoFail) {
		multiplier *= 0.75
	}
	if s.Mods.Has(ModEasy) {
		multiplier *= 0.5
	}

	customAccuracy := (float64(st.Perfect)*320 +
		float64(st.Great)*300 +
		float64(st.Good)*200 +
		float64(st.Ok)*100 +
		float64(st.Meh)*50) / (totalHits * 320)

	difficulty := 8 * math.Pow(math.Max(a.StarRating-0.15, 0.05), 2.2)
	difficulty *= math.Max(0, 5*customAccuracy-4)
	difficulty *= 1 + 0.1*math.Min(1, totalHits/1500)

	return Performance{Total: difficulty * multiplier, Difficulty: difficulty}
}
