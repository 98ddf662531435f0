package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tbourn/pillsync/internal/boltstore"
	"github.com/tbourn/pillsync/internal/bot"
	"github.com/tbourn/pillsync/internal/config"
	"github.com/tbourn/pillsync/internal/domain"
	"github.com/tbourn/pillsync/internal/dynamostore"
	"github.com/tbourn/pillsync/internal/messenger"
	"github.com/tbourn/pillsync/internal/messenger/telegram"
	"github.com/tbourn/pillsync/internal/repo"
	"github.com/tbourn/pillsync/internal/services"
	"github.com/tbourn/pillsync/internal/store"
)

// test seams
var (
	openSQLite = func(path string) (store.Store, error) { return repo.Open(path) }
	openBolt   = func(path string) (store.Store, error) { return boltstore.Open(path) }
	openDynamo = func(ctx context.Context, table string) (store.Store, error) {
		return dynamostore.Open(ctx, table)
	}
	newTelegram = telegram.New
)

// ServiceProvider builds components on first use and hands out the same
// instance afterwards.
type ServiceProvider struct {
	cfg config.Config
	log zerolog.Logger

	store    store.Store
	sender   messenger.Sender
	telegram *telegram.Client
	access   *services.AllowList

	conversation *services.ConversationService
	ack          *services.AckService
	dispatcher   *services.Dispatcher
	engine       *bot.Engine
}

// NewServiceProvider returns a provider for cfg.
func NewServiceProvider(cfg config.Config, log zerolog.Logger) *ServiceProvider {
	return &ServiceProvider{cfg: cfg, log: log}
}

// Store opens the configured backend.
func (s *ServiceProvider) Store(ctx context.Context) (store.Store, error) {
	if s.store != nil {
		return s.store, nil
	}
	var (
		st  store.Store
		err error
	)
	switch s.cfg.Store {
	case config.StoreSQLite:
		st, err = openSQLite(s.cfg.DBPath)
	case config.StoreBolt:
		st, err = openBolt(s.cfg.BoltPath)
	case config.StoreDynamoDB:
		st, err = openDynamo(ctx, s.cfg.DynamoDBTable)
	default:
		return nil, fmt.Errorf("unknown store %q", s.cfg.Store)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", s.cfg.Store, err)
	}
	s.log.Info().Str("store", s.cfg.Store).Msg("store opened")
	s.store = st
	return st, nil
}

// Sender returns the outbound transport.
func (s *ServiceProvider) Sender() (messenger.Sender, error) {
	if s.sender != nil {
		return s.sender, nil
	}
	switch s.cfg.Messenger {
	case config.MessengerTelegram:
		c, err := newTelegram(s.cfg.Telegram.Token, s.log)
		if err != nil {
			return nil, err
		}
		s.telegram = c
		s.sender = c
	case config.MessengerLog:
		s.sender = messenger.LogSender{Log: s.log.With().Str("component", "messenger").Logger()}
	default:
		return nil, fmt.Errorf("unknown messenger %q", s.cfg.Messenger)
	}
	return s.sender, nil
}

// Telegram is the Bot API client, or nil when another messenger is used.
func (s *ServiceProvider) Telegram() *telegram.Client { return s.telegram }

// AllowList is built from the configured usernames and chat ids.
func (s *ServiceProvider) AllowList() services.AllowList {
	if s.access == nil {
		a := services.NewAllowList(s.cfg.AllowedUsernames, s.cfg.AllowedChatIDs)
		s.access = &a
	}
	return *s.access
}

func (s *ServiceProvider) defaults() services.Defaults {
	lang, _ := domain.ParseLanguage(s.cfg.DefaultLanguage)
	return services.Defaults{Timezone: s.cfg.DefaultTimezone, Language: lang}
}

// Conversation returns the conversation service.
func (s *ServiceProvider) Conversation(ctx context.Context) (*services.ConversationService, error) {
	if s.conversation == nil {
		st, err := s.Store(ctx)
		if err != nil {
			return nil, err
		}
		s.conversation = services.NewConversationService(st, s.defaults(), s.log)
	}
	return s.conversation, nil
}

// Ack returns the acknowledgment service.
func (s *ServiceProvider) Ack(ctx context.Context) (*services.AckService, error) {
	if s.ack == nil {
		st, err := s.Store(ctx)
		if err != nil {
			return nil, err
		}
		s.ack = services.NewAckService(st, s.defaults(), s.log)
	}
	return s.ack, nil
}

// Dispatcher returns the reminder dispatcher tuned from configuration.
func (s *ServiceProvider) Dispatcher(ctx context.Context) (*services.Dispatcher, error) {
	if s.dispatcher != nil {
		return s.dispatcher, nil
	}
	st, err := s.Store(ctx)
	if err != nil {
		return nil, err
	}
	sender, err := s.Sender()
	if err != nil {
		return nil, err
	}
	d := services.NewDispatcher(st, sender, s.log.With().Str("component", "dispatcher").Logger())
	d.Lookback = s.cfg.ReminderLookback
	d.Retention = s.cfg.DoseRetention
	d.Concurrency = s.cfg.Tick.Concurrency
	s.dispatcher = d
	return d, nil
}

// Engine returns the bot engine wired to every service.
func (s *ServiceProvider) Engine(ctx context.Context) (*bot.Engine, error) {
	if s.engine != nil {
		return s.engine, nil
	}
	conv, err := s.Conversation(ctx)
	if err != nil {
		return nil, err
	}
	ack, err := s.Ack(ctx)
	if err != nil {
		return nil, err
	}
	disp, err := s.Dispatcher(ctx)
	if err != nil {
		return nil, err
	}
	sender, err := s.Sender()
	if err != nil {
		return nil, err
	}
	s.engine = &bot.Engine{
		Access:       s.AllowList(),
		Conversation: conv,
		Ack:          ack,
		Dispatcher:   disp,
		Sender:       sender,
		Log:          s.log.With().Str("component", "bot").Logger(),
		Language:     s.defaults().Language,
	}
	return s.engine, nil
}
