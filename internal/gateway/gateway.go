package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/ifgate/internal/ifrpc"
	"github.com/roach88/ifgate/internal/recordstore"
	"github.com/roach88/ifgate/internal/schema"
	"github.com/roach88/ifgate/internal/value"
)

// Command and event names.
const (
	CommandInit        = "db-gateway-init"
	EventBlocked       = "db-gateway-blocked"
	EventVersionChange = "db-gateway-versionchange"
)

// Per-database command verbs.
const (
	VerbRead             = "read"
	VerbUpdate           = "update"
	VerbQuery            = "query"
	VerbDelete           = "delete"
	VerbClear            = "clear"
	VerbCreate           = "create"
	VerbCount            = "count"
	VerbObjectStoreNames = "object-store-names"
)

// Verbs lists the per-database verbs in registration order.
var Verbs = []string{
	VerbRead, VerbUpdate, VerbQuery, VerbDelete, VerbClear, VerbCreate, VerbCount, VerbObjectStoreNames,
}

// CommandName returns the command serving verb for database id.
func CommandName(verb, id string) string {
	return "db-gateway-" + verb + "-" + id
}

// Channel is the part of an ifrpc Channel the gateway uses.
type Channel interface {
	AddCommandHandler(name string, fn ifrpc.CommandHandler) error
	RemoveCommandHandler(name string)
	TriggerEvent(ctx context.Context, name string, args ...any) error
	InvokeCommand(ctx context.Context, name string, args ...any) (value.Value, error)
}

// Gateway serves db-gateway commands on one Channel.
//
// Thread-safety: all methods are safe for concurrent use.
type Gateway struct {
	ch      Channel
	factory *recordstore.Factory
	schemas *schema.Registry
	logger  *slog.Logger

	mu      sync.Mutex
	drivers map[string]*driver // by schema name; nil while opening
	closed  bool
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// New creates a Gateway and registers db-gateway-init on ch.
func New(ch Channel, factory *recordstore.Factory, schemas *schema.Registry, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		ch:      ch,
		factory: factory,
		schemas: schemas,
		logger:  slog.Default(),
		drivers: make(map[string]*driver),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gateway")

	if err := ch.AddCommandHandler(CommandInit, g.handleInit); err != nil {
		return nil, fmt.Errorf("register %s: %w", CommandInit, err)
	}
	return g, nil
}

// InitArgs is the argument of db-gateway-init.
type InitArgs struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

func (g *Gateway) handleInit(ctx context.Context, call *ifrpc.Call) (any, error) {
	var args InitArgs
	if err := call.Bind(0, &args); err != nil {
		return nil, err
	}
	return nil, g.Init(ctx, args)
}

// Init opens database args.ID with the schema args.Name at args.Version and
// registers its commands. A second Init for an already initialized schema
// name logs a warning and does nothing.
func (g *Gateway) Init(ctx context.Context, args InitArgs) error {
	if args.ID == "" {
		return &recordstore.Error{Name: recordstore.DataError, Message: "init requires id"}
	}
	s, err := g.schemas.Lookup(args.Name)
	if err != nil {
		return err
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ifrpc.ErrClosed
	}
	if _, exists := g.drivers[args.Name]; exists {
		g.mu.Unlock()
		g.logger.Warn("database already initialized", "name", args.Name, "id", args.ID)
		return nil
	}
	g.drivers[args.Name] = nil
	g.mu.Unlock()

	d, err := g.open(ctx, s, args)
	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil || g.closed {
		delete(g.drivers, args.Name)
		if err == nil {
			d.close()
			err = ifrpc.ErrClosed
		}
		return err
	}
	g.drivers[args.Name] = d
	return nil
}

func (g *Gateway) open(ctx context.Context, s *schema.Schema, args InitArgs) (*driver, error) {
	logger := g.logger.With("db", args.ID, "schema", s.Name)
	logger.Info("opening database", "version", args.Version)

	d := &driver{g: g, id: args.ID, logger: logger}
	db, err := g.factory.Open(ctx, args.ID, args.Version, s.Upgrade(logger),
		recordstore.OnBlocked(func(oldVersion, newVersion int64) {
			logger.Warn("database open blocked", "old_version", oldVersion, "new_version", newVersion)
			if err := g.ch.TriggerEvent(ctx, EventBlocked, args.ID); err != nil {
				logger.Error("failed to send blocked event", "error", err)
			}
		}),
		recordstore.OnVersionChange(d.onVersionChange),
	)
	if err != nil {
		logger.Error("database open failed", "error", err)
		return nil, err
	}
	d.db = db

	if err := d.register(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// forget drops d so its schema name can be initialized again.
func (g *Gateway) forget(d *driver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, cur := range g.drivers {
		if cur == d {
			delete(g.drivers, name)
		}
	}
}

// Instances returns the ids of the open databases in ascending order.
func (g *Gateway) Instances() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ids []string
	for _, d := range g.drivers {
		if d != nil {
			ids = append(ids, d.id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Close unregisters every command and closes every database.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	drivers := g.drivers
	g.drivers = make(map[string]*driver)
	g.mu.Unlock()

	g.ch.RemoveCommandHandler(CommandInit)
	for _, d := range drivers {
		if d != nil {
			d.close()
		}
	}
}

// driver serves the commands of one open database.
type driver struct {
	g        *Gateway
	id       string
	db       *recordstore.DB
	logger   *slog.Logger

	mu       sync.Mutex
	commands []string
}

func (d *driver) register() error {
	handlers := map[string]ifrpc.CommandHandler{
		VerbRead:             d.read,
		VerbUpdate:           d.update,
		VerbQuery:            d.query,
		VerbDelete:           d.delete,
		VerbClear:            d.clear,
		VerbCreate:           d.create,
		VerbCount:            d.count,
		VerbObjectStoreNames: d.objectStoreNames,
	}
	for _, verb := range Verbs {
		name := CommandName(verb, d.id)
		if err := d.g.ch.AddCommandHandler(name, handlers[verb]); err != nil {
			d.unregister()
			return fmt.Errorf("register %s: %w", name, err)
		}
		d.mu.Lock()
		d.commands = append(d.commands, name)
		d.mu.Unlock()
	}
	return nil
}

func (d *driver) unregister() {
	d.mu.Lock()
	commands := d.commands
	d.commands = nil
	d.mu.Unlock()
	for _, name := range commands {
		d.g.ch.RemoveCommandHandler(name)
	}
}

func (d *driver) close() {
	d.unregister()
	if err := d.db.Close(); err != nil {
		d.logger.Error("failed to close database", "error", err)
	}
}

// onVersionChange closes the connection so another open can upgrade the
// database, then tells the peer.
func (d *driver) onVersionChange(db *recordstore.DB, oldVersion, newVersion int64) {
	d.logger.Warn("database version change requested, closing connection",
		"old_version", oldVersion, "new_version", newVersion)
	d.g.forget(d)
	d.unregister()
	if err := db.Close(); err != nil {
		d.logger.Error("failed to close database", "error", err)
	}
	if err := d.g.ch.TriggerEvent(context.Background(), EventVersionChange, d.id); err != nil && !errors.Is(err, ifrpc.ErrClosed) {
		d.logger.Error("failed to send versionchange event", "error", err)
	}
}
