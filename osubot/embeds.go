package osubot

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"strings"
	"time"
)

const (
	embedColorScore = 0xff66aa
	embedColorEvent = 0x66ccff
	embedFooterText = "osubot"
)

type scoreEmbedData struct {
	Score       Score
	Beatmap     Beatmap
	Beatmapset  Beatmapset
	Player      OsuUserSnapshot
	Previous    *OsuUserSnapshot
	Position    int
	Performance Performance
	Attributes  DifficultyAttributes
}

// judgementCounts formats the score's hit counts in the mode's order
func judgementCounts(s Score) string {
	st := s.Statistics
	switch s.Mode {
	case ModeTaiko:
		return fmt.Sprintf("[%d/%d/%d]", st.Great, st.Ok, st.Miss)
	case ModeCatch:
		return fmt.Sprintf(
			"[%d/%d/%d/%d]",
			st.Great,
			st.LargeTickHit,
			st.SmallTickHit,
			st.Miss,
		)
	case ModeMania:
		return fmt.Sprintf(
			"[%d/%d/%d/%d/%d/%d]",
			st.Perfect,
			st.Great,
			st.Good,
			st.Ok,
			st.Meh,
			st.Miss,
		)
	default:
		return fmt.Sprintf("[%d/%d/%d/%d]", st.Great, st.Ok, st.Meh, st.Miss)
	}
}

func scoreEmbed(d scoreEmbedData) *discordgo.MessageEmbed {
	s := d.Score
	title := fmt.Sprintf(
		"%s - %s [%s] +%s [%.2f★]",
		d.Beatmapset.Artist,
		d.Beatmapset.Title,
		d.Beatmap.Version,
		s.Mods,
		d.Attributes.StarRating,
	)

	var desc strings.Builder
	fmt.Fprintf(&desc, "**Personal best #%d**\n", d.Position)
	fmt.Fprintf(
		&desc,
		"▸ **%.2fpp** ▸ %.2f%% ▸ %s\n",
		s.PPValue(),
		s.Accuracy*100,
		s.Rank,
	)
	if d.Performance.IfFC > s.PPValue()+0.01 {
		fmt.Fprintf(&desc, "▸ %.2fpp if FC\n", d.Performance.IfFC)
	}
	fmt.Fprintf(
		&desc,
		"▸ %d ▸ x%d/%d ▸ %s",
		s.TotalScore,
		s.MaxCombo,
		d.Attributes.MaxCombo,
		judgementCounts(s),
	)

	fields := []*discordgo.MessageEmbedField{
		{
			Name: "Beatmap",
			Value: fmt.Sprintf(
				"AR %.1f ▸ OD %.1f ▸ CS %.1f ▸ HP %.1f ▸ %.0f BPM",
				d.Beatmap.ApproachRate,
				d.Beatmap.OverallDifficulty,
				d.Beatmap.CircleSize,
				d.Beatmap.HPDrain,
				d.Beatmap.BPM,
			),
		},
	}
	if d.Previous != nil && d.Previous.PP != d.Player.PP {
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name: "Profile",
				Value: fmt.Sprintf(
					"%.2fpp → %.2fpp (%+.2f) ▸ #%d → #%d",
					d.Previous.PP,
					d.Player.PP,
					d.Player.PP-d.Previous.PP,
					d.Previous.GlobalRank,
					d.Player.GlobalRank,
				),
			},
		)
	}

	timestamp := s.EndedAt
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	return &discordgo.MessageEmbed{
		Type:        discordgo.EmbedTypeRich,
		Title:       truncate(title, 256),
		URL:         fmt.Sprintf("https://osu.ppy.sh/b/%d", d.Beatmap.ID),
		Description: desc.String(),
		Color:       embedColorScore,
		Timestamp:   timestamp.UTC().Format(time.RFC3339),
		Author: &discordgo.MessageEmbedAuthor{
			Name: fmt.Sprintf(
				"%s: %.2fpp (#%d %s%d)",
				d.Player.Username,
				d.Player.PP,
				d.Player.GlobalRank,
				d.Player.CountryCode,
				d.Player.CountryRank,
			),
			URL:     d.Player.URL(),
			IconURL: d.Player.AvatarURL,
		},
		Thumbnail: &discordgo.MessageEmbedThumbnail{URL: d.Beatmapset.ListURL},
		Fields:    fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("%s ▸ %s", embedFooterText, s.Mode.DisplayName()),
		},
	}
}

// eventDescription renders a profile event, or returns false for event
// types that aren't announced
func eventDescription(e Event) (string, bool) {
	user := ""
	if e.User != nil {
		user = fmt.Sprintf("[%s](https://osu.ppy.sh%s)", e.User.Username, e.User.URL)
	}
	switch e.Type {
	case "rank":
		if e.Beatmap == nil || e.Rank > 50 {
			return "", false
		}
		return fmt.Sprintf(
			"%s achieved rank #%d (%s) on [%s](https://osu.ppy.sh%s)",
			user,
			e.Rank,
			e.ScoreRank,
			e.Beatmap.Title,
			e.Beatmap.URL,
		), true
	case "achievement":
		if e.Achievement == nil {
			return "", false
		}
		return fmt.Sprintf("%s unlocked **%s**", user, e.Achievement.Name), true
	case "beatmapsetApprove":
		if e.Beatmapset == nil {
			return "", false
		}
		return fmt.Sprintf(
			"[%s](https://osu.ppy.sh%s) by %s has been %s",
			e.Beatmapset.Title,
			e.Beatmapset.URL,
			user,
			e.Approval,
		), true
	case "beatmapsetUpload":
		if e.Beatmapset == nil {
			return "", false
		}
		return fmt.Sprintf(
			"%s submitted [%s](https://osu.ppy.sh%s)",
			user,
			e.Beatmapset.Title,
			e.Beatmapset.URL,
		), true
	default:
		return "", false
	}
}

func eventEmbed(player OsuUserSnapshot, description string, at time.Time) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Type:        discordgo.EmbedTypeRich,
		Description: description,
		Color:       embedColorEvent,
		Timestamp:   at.UTC().Format(time.RFC3339),
		Author: &discordgo.MessageEmbedAuthor{
			Name:    player.Username,
			URL:     player.URL(),
			IconURL: player.AvatarURL,
		},
		Footer: &discordgo.MessageEmbedFooter{Text: embedFooterText},
	}
}
