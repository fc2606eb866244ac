package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Manager owns the configured MCP servers and exposes the aggregated tool
// catalog. It satisfies the engine's ToolCatalog contract: Resolve maps a
// tool name to its server, Call routes the invocation.
type Manager struct {
	config  *Config
	clients map[string]*Client
	mu      sync.RWMutex
}

func NewManager(cfg *Config) *Manager {
	return &Manager{
		config:  cfg,
		clients: make(map[string]*Client),
	}
}

// StartAll connects every configured server. A server that fails to start is
// logged and skipped; its tools are simply absent from the catalog.
func (m *Manager) StartAll(ctx context.Context) {
	for _, name := range m.config.ServerNames() {
		client := NewClient(name, m.config.Servers[name])
		if err := client.Start(ctx); err != nil {
			log.Warn().Err(err).Str("server", name).Msg("MCP server failed to start")
			continue
		}
		m.mu.Lock()
		m.clients[name] = client
		m.mu.Unlock()
		log.Info().Str("server", name).Int("tools", len(client.Tools())).Msg("MCP server ready")
	}
}

// StopAll shuts down every running server.
func (m *Manager) StopAll() {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	for _, c := range clients {
		if err := c.Stop(); err != nil {
			log.Warn().Err(err).Str("server", c.Name()).Msg("MCP server stop failed")
		}
	}
}

// Resolve returns the server providing the named tool. The first server
// advertising the name wins; servers are scanned in configured order.
func (m *Manager) Resolve(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, serverName := range m.config.ServerNames() {
		client, ok := m.clients[serverName]
		if !ok {
			continue
		}
		for _, tool := range client.Tools() {
			if tool.Name == name {
				return serverName, true
			}
		}
	}
	return "", false
}

// Call routes a tool invocation to the server that provides it.
func (m *Manager) Call(ctx context.Context, name string, args json.RawMessage) (string, error) {
	server, ok := m.Resolve(name)
	if !ok {
		return "", fmt.Errorf("tool not available: %s", name)
	}

	m.mu.RLock()
	client := m.clients[server]
	m.mu.RUnlock()
	if client == nil {
		return "", fmt.Errorf("MCP server %s is not running", server)
	}
	return client.CallTool(ctx, name, args)
}

// AllTools returns the aggregated catalog across running servers.
func (m *Manager) AllTools() []ToolSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []ToolSpec
	for _, name := range m.config.ServerNames() {
		if client, ok := m.clients[name]; ok {
			all = append(all, client.Tools()...)
		}
	}
	return all
}
