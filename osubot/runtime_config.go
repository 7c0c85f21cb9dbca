package osubot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
	"sync"
)

var (
	columnRuntimeConfigAdminUsername       = "admin_username"
	columnRuntimeConfigAdminPassword       = "admin_password"
	columnRuntimeConfigPaused              = "paused"
	columnRuntimeConfigDiscordCustomStatus = "discord_custom_status"
	columnRuntimeConfigDiscordErrorMessage = "discord_error_message"
)

// RuntimeConfig holds settings that can be changed while the bot is
// running, and are persisted across restarts.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// AdminUsername is the username for the admin API
	AdminUsername string `json:"admin_username" gorm:"type:string"`

	// AdminPassword is the argon2id hash of the admin API password
	AdminPassword string `json:"-" gorm:"type:string"`

	// Paused stops score and event notifications from being sent.
	// Scores are still evaluated, and cursors still advance.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// DiscordErrorMessage is shown to users when a command fails
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DiscordCustomStatus: DefaultDiscordCustomStatus,
		DiscordErrorMessage: DefaultDiscordErrorMessage,
	}
}

// RuntimeConfigUpdate is the payload for partially updating RuntimeConfig
//
//nolint:lll // struct tags can't be split
type RuntimeConfigUpdate struct {
	Paused              *bool   `json:"paused,omitempty"`
	DiscordCustomStatus *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	DiscordErrorMessage *string `json:"discord_error_message,omitempty" binding:"omitnil,min=1,max=2000"`
}

func (b RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(b)
}

// values returns the columns to update
func (b RuntimeConfigUpdate) values() map[string]any {
	values := map[string]any{}
	if b.Paused != nil {
		values[columnRuntimeConfigPaused] = *b.Paused
	}
	if b.DiscordCustomStatus != nil {
		values[columnRuntimeConfigDiscordCustomStatus] = *b.DiscordCustomStatus
	}
	if b.DiscordErrorMessage != nil {
		values[columnRuntimeConfigDiscordErrorMessage] = *b.DiscordErrorMessage
	}
	return values
}

// loadRuntimeConfig returns the most recent RuntimeConfig, creating
// the default if none exists
func loadRuntimeConfig(ctx context.Context, db *gorm.DB) (*RuntimeConfig, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var cfg RuntimeConfig
	err := db.WithContext(ctx).Last(&cfg).Error
	switch {
	case err == nil:
		return &cfg, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		cfg = DefaultRuntimeConfig()
		if err = db.WithContext(ctx).Create(&cfg).Error; err != nil {
			return nil, fmt.Errorf("error creating runtime config: %w", err)
		}
		return &cfg, nil
	default:
		return nil, fmt.Errorf("error loading runtime config: %w", err)
	}
}

// SetAdminCredentials sets the admin username and password hash on
// the current RuntimeConfig
func SetAdminCredentials(
	ctx context.Context,
	db *gorm.DB,
	username string,
	passwordHash string,
) error {
	cfg, err := loadRuntimeConfig(ctx, db)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return db.WithContext(ctx).Model(cfg).Updates(
		map[string]any{
			columnRuntimeConfigAdminUsername: username,
			columnRuntimeConfigAdminPassword: passwordHash,
		},
	).Error
}

// runtimeConfigState holds the in-memory copy of the RuntimeConfig
type runtimeConfigState struct {
	db  *gorm.DB
	mu  sync.RWMutex
	cfg RuntimeConfig
}

func newRuntimeConfigState(ctx context.Context, db *gorm.DB) (*runtimeConfigState, error) {
	cfg, err := loadRuntimeConfig(ctx, db)
	if err != nil {
		return nil, err
	}
	return &runtimeConfigState{db: db, cfg: *cfg}, nil
}

// Get returns a copy of the current config
func (r *runtimeConfigState) Get() RuntimeConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func (r *runtimeConfigState) Paused() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Paused
}

// Update validates and persists the update, then reloads the config
func (r *runtimeConfigState) Update(
	ctx context.Context,
	update RuntimeConfigUpdate,
) (RuntimeConfig, error) {
	if err := update.validate(); err != nil {
		return RuntimeConfig{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	values := update.values()
	if len(values) > 0 {
		tctx, cancel := withTimeout(ctx)
		defer cancel()
		current := r.cfg
		if err := r.db.WithContext(tctx).Model(&current).Updates(values).Error; err != nil {
			return r.cfg, fmt.Errorf("error updating runtime config: %w", err)
		}
	}
	cfg, err := loadRuntimeConfig(ctx, r.db)
	if err != nil {
		return r.cfg, err
	}
	r.cfg = *cfg
	return r.cfg, nil
}

// Reload replaces the in-memory config with the database copy
func (r *runtimeConfigState) Reload(ctx context.Context) error {
	cfg, err := loadRuntimeConfig(ctx, r.db)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cfg = *cfg
	r.mu.Unlock()
	return nil
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.UpdateStatusData {
	if config.Paused {
		return discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.UpdateStatusData{
		Status: string(discordgo.StatusOnline),
		Activities: []*discordgo.Activity{
			{
				Name:  "Custom Status",
				Type:  discordgo.ActivityTypeCustom,
				State: config.DiscordCustomStatus,
			},
		},
	}
}
