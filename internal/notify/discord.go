package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	"marketpulse/internal/models"
)

const (
	colorAlert = 0xE67E22
	colorOps   = 0xC0392B
	colorArb   = 0x27AE60
)

type embedSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type DiscordSender struct {
	session   embedSender
	channelID string
}

// NewDiscordSender opens a bot session. It does not connect the gateway;
// posting embeds only needs the REST API.
func NewDiscordSender(botToken, channelID string) (*DiscordSender, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, err
	}
	return &DiscordSender{session: session, channelID: channelID}, nil
}

func (s *DiscordSender) Name() string { return "discord" }

func (s *DiscordSender) Send(ctx context.Context, msg Message) error {
	_, err := s.session.ChannelMessageSendEmbed(s.channelID, buildEmbed(msg), discordgo.WithContext(ctx))
	return err
}

func buildEmbed(msg Message) *discordgo.MessageEmbed {
	at := msg.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	embed := &discordgo.MessageEmbed{
		Title:       msg.Title,
		Description: msg.Text,
		Color:       colorOps,
		Timestamp:   at.Format(time.RFC3339),
	}
	switch msg.Kind {
	case KindAlert:
		embed.Color = colorAlert
	case KindOpportunity:
		embed.Color = colorArb
	}
	if msg.Venue != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Venue", Value: msg.Venue, Inline: true})
	}
	if a := msg.Alert; a != nil {
		embed.Fields = append(embed.Fields,
			&discordgo.MessageEmbedField{Name: "Outcome", Value: a.Outcome, Inline: true},
			&discordgo.MessageEmbedField{Name: "Window", Value: (time.Duration(a.WindowSeconds) * time.Second).String(), Inline: true},
		)
		if a.AlertType == models.AlertTypeVolumeSpike && a.SpikeRatio != nil {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Ratio", Value: fmt.Sprintf("%.2fx", *a.SpikeRatio), Inline: true})
		} else {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Move", Value: strconv.FormatFloat(a.MovePP, 'f', 1, 64) + "pp", Inline: true})
		}
		embed.Footer = &discordgo.MessageEmbedFooter{Text: "alert " + a.ID}
	}
	return embed
}
