// Package storage provides data storage implementations.
package storage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcpgate/internal/domain"
)

// MemoryStore provides in-memory storage for development/testing. It
// implements every repository interface of the domain package behind one
// mutex, with the same not-found and ordering conventions as the PostgreSQL
// stores.
type MemoryStore struct {
	servers        map[string]*domain.MCPServer
	tools          map[string]*domain.MCPTool
	configurations map[string]*domain.MCPServerConfiguration
	accounts       map[string]*domain.ConnectedAccount
	bundles        map[string]*domain.MCPServerBundle
	sessions       map[string]*domain.MCPSession
	orgs           map[string]*domain.Organization
	users          map[string]*domain.User
	teams          map[string]*domain.Team
	teamMembers    map[string]map[string]bool // team id -> user ids
	executions     []*domain.ToolExecution
	mu             sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		servers:        make(map[string]*domain.MCPServer),
		tools:          make(map[string]*domain.MCPTool),
		configurations: make(map[string]*domain.MCPServerConfiguration),
		accounts:       make(map[string]*domain.ConnectedAccount),
		bundles:        make(map[string]*domain.MCPServerBundle),
		sessions:       make(map[string]*domain.MCPSession),
		orgs:           make(map[string]*domain.Organization),
		users:          make(map[string]*domain.User),
		teams:          make(map[string]*domain.Team),
		teamMembers:    make(map[string]map[string]bool),
		executions:     []*domain.ToolExecution{},
	}
}

// Ping always succeeds; the store lives in the same process
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

var (
	_ domain.CatalogRepository   = (*MemoryStore)(nil)
	_ domain.AccountRepository   = (*MemoryStore)(nil)
	_ domain.BundleRepository    = (*MemoryStore)(nil)
	_ domain.SessionRepository   = (*MemoryStore)(nil)
	_ domain.IdentityRepository  = (*MemoryStore)(nil)
	_ domain.ExecutionRepository = (*MemoryStore)(nil)
)

// =============================================================================
// CatalogRepository Implementation
// =============================================================================

func (s *MemoryStore) CreateMCPServer(ctx context.Context, server *domain.MCPServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if server.ID == "" {
		server.ID = uuid.New().String()
	}
	for _, existing := range s.servers {
		if existing.Name == server.Name {
			return fmt.Errorf("mcp server %s already exists", server.Name)
		}
	}

	now := time.Now().UTC()
	server.CreatedAt = now
	server.UpdatedAt = now
	s.servers[server.ID] = server
	return nil
}

func (s *MemoryStore) UpdateMCPServer(ctx context.Context, server *domain.MCPServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.servers[server.ID]
	if !ok {
		return fmt.Errorf("mcp server %s not found", server.ID)
	}

	// Same conditional write as the SQL COALESCE on embedding
	if server.Embedding == nil {
		server.Embedding = existing.Embedding
	}
	server.CreatedAt = existing.CreatedAt
	server.UpdatedAt = time.Now().UTC()
	s.servers[server.ID] = server
	return nil
}

func (s *MemoryStore) DeleteMCPServer(ctx context.Context, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.servers, serverID)
	for id, tool := range s.tools {
		if tool.MCPServerID == serverID {
			delete(s.tools, id)
		}
	}
	// Same transitive cascade as the schema: configurations, then their
	// accounts
	for cfgID, cfg := range s.configurations {
		if cfg.MCPServerID != serverID {
			continue
		}
		delete(s.configurations, cfgID)
		for id, account := range s.accounts {
			if account.MCPServerConfigurationID == cfgID {
				delete(s.accounts, id)
			}
		}
	}
	return nil
}

func (s *MemoryStore) GetMCPServer(ctx context.Context, serverID string) (*domain.MCPServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.servers[serverID], nil
}

func (s *MemoryStore) GetMCPServerByName(ctx context.Context, name string) (*domain.MCPServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, server := range s.servers {
		if server.Name == name {
			return server, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListMCPServers(ctx context.Context, organizationID string) ([]*domain.MCPServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.MCPServer
	for _, server := range s.servers {
		if server.OrganizationID == nil || *server.OrganizationID == organizationID {
			result = append(result, server)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *MemoryStore) GetMCPTool(ctx context.Context, toolID string) (*domain.MCPTool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tools[toolID], nil
}

func (s *MemoryStore) GetMCPToolByName(ctx context.Context, name string) (*domain.MCPTool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, tool := range s.tools {
		if tool.Name == name {
			return tool, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListMCPTools(ctx context.Context, serverID string) ([]*domain.MCPTool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.MCPTool
	for _, tool := range s.tools {
		if tool.MCPServerID == serverID {
			result = append(result, tool)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *MemoryStore) SearchTools(ctx context.Context, q domain.ToolSearchQuery) ([]*domain.MCPTool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	allowed := make(map[string]bool, len(q.AllowedServerIDs))
	for _, id := range q.AllowedServerIDs {
		allowed[id] = true
	}
	disabled := make(map[string]bool, len(q.DisabledToolIDs))
	for _, id := range q.DisabledToolIDs {
		disabled[id] = true
	}

	var result []*domain.MCPTool
	for _, tool := range s.tools {
		if !allowed[tool.MCPServerID] || disabled[tool.ID] {
			continue
		}
		if len(q.QueryVector) > 0 && len(tool.Embedding) == 0 {
			continue
		}
		result = append(result, tool)
	}

	if len(q.QueryVector) > 0 {
		scores := make(map[string]float64, len(result))
		for _, tool := range result {
			scores[tool.ID] = cosineSimilarity(q.QueryVector, tool.Embedding)
		}
		sort.Slice(result, func(i, j int) bool {
			si, sj := scores[result[i].ID], scores[result[j].ID]
			if si != sj {
				return si > sj
			}
			return result[i].Name < result[j].Name
		})
	} else {
		sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	}

	if offset >= len(result) {
		return nil, nil
	}
	result = result[offset:]
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) UpdateToolTags(ctx context.Context, toolID string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tool, ok := s.tools[toolID]
	if !ok {
		return fmt.Errorf("mcp tool %s not found", toolID)
	}
	tool.Tags = tags
	tool.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ApplyToolSync(ctx context.Context, serverID string, batch domain.ToolSyncBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	syncedAt := batch.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now().UTC()
	}

	for _, tool := range batch.Create {
		if tool.ID == "" {
			tool.ID = uuid.New().String()
		}
		tool.MCPServerID = serverID
		tool.CreatedAt = syncedAt
		tool.UpdatedAt = syncedAt
		s.tools[tool.ID] = tool
	}
	for _, tool := range batch.Update {
		existing, ok := s.tools[tool.ID]
		if !ok {
			return fmt.Errorf("mcp tool %s not found", tool.ID)
		}
		if tool.Embedding == nil {
			tool.Embedding = existing.Embedding
		}
		// Updates never rename; renames arrive as delete + create pairs
		tool.Name = existing.Name
		tool.MCPServerID = existing.MCPServerID
		tool.CreatedAt = existing.CreatedAt
		tool.UpdatedAt = syncedAt
		s.tools[tool.ID] = tool
	}
	for _, id := range batch.DeleteIDs {
		delete(s.tools, id)
	}

	if server, ok := s.servers[serverID]; ok {
		server.LastSyncedAt = &syncedAt
		server.UpdatedAt = syncedAt
	}
	return nil
}

// cosineSimilarity computes cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// =============================================================================
// AccountRepository Implementation
// =============================================================================

func (s *MemoryStore) CreateMCPServerConfiguration(ctx context.Context, cfg *domain.MCPServerConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	s.configurations[cfg.ID] = cfg
	return nil
}

func (s *MemoryStore) UpdateMCPServerConfiguration(ctx context.Context, cfg *domain.MCPServerConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.configurations[cfg.ID]
	if !ok {
		return fmt.Errorf("configuration %s not found", cfg.ID)
	}
	cfg.CreatedAt = existing.CreatedAt
	cfg.UpdatedAt = time.Now().UTC()
	s.configurations[cfg.ID] = cfg
	return nil
}

func (s *MemoryStore) DeleteMCPServerConfiguration(ctx context.Context, cfgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.configurations, cfgID)
	for id, account := range s.accounts {
		if account.MCPServerConfigurationID == cfgID {
			delete(s.accounts, id)
		}
	}
	return nil
}

func (s *MemoryStore) GetMCPServerConfiguration(ctx context.Context, cfgID string) (*domain.MCPServerConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.configurations[cfgID], nil
}

func (s *MemoryStore) ListMCPServerConfigurations(ctx context.Context, organizationID string) ([]*domain.MCPServerConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.MCPServerConfiguration
	for _, cfg := range s.configurations {
		if cfg.OrganizationID == organizationID {
			result = append(result, cfg)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *MemoryStore) ListConfigurationsByServer(ctx context.Context, serverID string) ([]*domain.MCPServerConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.MCPServerConfiguration
	for _, cfg := range s.configurations {
		if cfg.MCPServerID == serverID {
			result = append(result, cfg)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *MemoryStore) GetConnectedAccount(ctx context.Context, cfgID string, owner domain.Ownership) (*domain.ConnectedAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.findAccountLocked(cfgID, owner), nil
}

// findAccountLocked applies the ownership selection rule. Callers hold the lock.
func (s *MemoryStore) findAccountLocked(cfgID string, owner domain.Ownership) *domain.ConnectedAccount {
	for _, account := range s.accounts {
		if account.MCPServerConfigurationID != cfgID || account.Ownership.Type != owner.Type {
			continue
		}
		if owner.Type == domain.OwnershipIndividual && account.Ownership.UserID != owner.UserID {
			continue
		}
		return account
	}
	return nil
}

func (s *MemoryStore) UpsertConnectedAccount(ctx context.Context, account *domain.ConnectedAccount) error {
	if err := account.Ownership.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing := s.findAccountLocked(account.MCPServerConfigurationID, account.Ownership); existing != nil {
		existing.AuthCredentials = account.AuthCredentials
		existing.UpdatedAt = now
		*account = *existing
		return nil
	}

	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	account.CreatedAt = now
	account.UpdatedAt = now
	s.accounts[account.ID] = account
	return nil
}

func (s *MemoryStore) UpdateConnectedAccountCredentials(ctx context.Context, accountID string, creds domain.AuthCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("connected account %s not found", accountID)
	}
	account.AuthCredentials = creds
	account.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteConnectedAccount(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.accounts, accountID)
	return nil
}

func (s *MemoryStore) ListConnectedAccounts(ctx context.Context, cfgID string) ([]*domain.ConnectedAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ConnectedAccount
	for _, account := range s.accounts {
		if account.MCPServerConfigurationID == cfgID {
			result = append(result, account)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================================================
// BundleRepository Implementation
// =============================================================================

func (s *MemoryStore) CreateBundle(ctx context.Context, bundle *domain.MCPServerBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bundle.ID == "" {
		bundle.ID = uuid.New().String()
	}
	if bundle.BundleKey == "" {
		key, err := domain.NewBundleKey()
		if err != nil {
			return err
		}
		bundle.BundleKey = key
	}
	now := time.Now().UTC()
	bundle.CreatedAt = now
	bundle.UpdatedAt = now
	s.bundles[bundle.ID] = bundle
	return nil
}

func (s *MemoryStore) GetBundle(ctx context.Context, bundleID string) (*domain.MCPServerBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.bundles[bundleID], nil
}

func (s *MemoryStore) GetBundleByKey(ctx context.Context, bundleKey string) (*domain.MCPServerBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, bundle := range s.bundles {
		if bundle.BundleKey == bundleKey {
			return bundle, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListBundles(ctx context.Context, organizationID string) ([]*domain.MCPServerBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.MCPServerBundle
	for _, bundle := range s.bundles {
		if bundle.OrganizationID == organizationID {
			result = append(result, bundle)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *MemoryStore) ListBundlesByUser(ctx context.Context, userID, organizationID string) ([]*domain.MCPServerBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.MCPServerBundle
	for _, bundle := range s.bundles {
		if bundle.UserID == userID && bundle.OrganizationID == organizationID {
			result = append(result, bundle)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *MemoryStore) ListBundlesReferencing(ctx context.Context, organizationID, cfgID string) ([]*domain.MCPServerBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.MCPServerBundle
	for _, bundle := range s.bundles {
		if bundle.OrganizationID != organizationID {
			continue
		}
		for _, id := range bundle.MCPServerConfigurationIDs {
			if id == cfgID {
				result = append(result, bundle)
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *MemoryStore) UpdateBundleConfigurations(ctx context.Context, bundleID string, cfgIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bundle, ok := s.bundles[bundleID]
	if !ok {
		return fmt.Errorf("bundle %s not found", bundleID)
	}
	bundle.MCPServerConfigurationIDs = cfgIDs
	bundle.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteBundle(ctx context.Context, bundleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.bundles, bundleID)
	return nil
}

// =============================================================================
// SessionRepository Implementation
// =============================================================================

func (s *MemoryStore) CreateSession(ctx context.Context, session *domain.MCPSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.ExternalMCPSessions == nil {
		session.ExternalMCPSessions = make(map[string]string)
	}
	now := time.Now().UTC()
	if session.LastAccessedAt.IsZero() {
		session.LastAccessedAt = now
	}
	session.CreatedAt = now
	s.sessions[session.ID] = session
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*domain.MCPSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok || session.Deleted {
		return nil, nil
	}
	return session, nil
}

func (s *MemoryStore) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	session.LastAccessedAt = at
	return nil
}

func (s *MemoryStore) MergeExternalSession(ctx context.Context, sessionID, serverID, upstreamSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if session.ExternalMCPSessions == nil {
		session.ExternalMCPSessions = make(map[string]string)
	}
	session.ExternalMCPSessions[serverID] = upstreamSessionID
	session.LastAccessedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SoftDeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[sessionID]; ok {
		session.Deleted = true
	}
	return nil
}

func (s *MemoryStore) SweepIdleSessions(ctx context.Context, idleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	swept := 0
	for _, session := range s.sessions {
		if !session.Deleted && session.LastAccessedAt.Before(idleBefore) {
			session.Deleted = true
			swept++
		}
	}
	return swept, nil
}

// =============================================================================
// IdentityRepository Implementation
// =============================================================================

func (s *MemoryStore) CreateOrganization(ctx context.Context, org *domain.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if org.ID == "" {
		org.ID = uuid.New().String()
	}
	org.CreatedAt = time.Now().UTC()
	s.orgs[org.ID] = org
	return nil
}

func (s *MemoryStore) GetOrganization(ctx context.Context, orgID string) (*domain.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.orgs[orgID], nil
}

func (s *MemoryStore) GetOrganizationByName(ctx context.Context, name string) (*domain.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, org := range s.orgs {
		if org.Name == name {
			return org, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.Email = strings.ToLower(user.Email)
	user.CreatedAt = time.Now().UTC()
	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.users[userID], nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email = strings.ToLower(email)
	for _, user := range s.users {
		if user.Email == email {
			return user, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CreateTeam(ctx context.Context, team *domain.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if team.ID == "" {
		team.ID = uuid.New().String()
	}
	team.CreatedAt = time.Now().UTC()
	s.teams[team.ID] = team
	return nil
}

func (s *MemoryStore) GetTeam(ctx context.Context, teamID string) (*domain.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.teams[teamID], nil
}

func (s *MemoryStore) ListTeams(ctx context.Context, organizationID string) ([]*domain.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Team
	for _, team := range s.teams {
		if team.OrganizationID == organizationID {
			result = append(result, team)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *MemoryStore) AddTeamMember(ctx context.Context, teamID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.teams[teamID]; !ok {
		return fmt.Errorf("team %s not found", teamID)
	}
	if s.teamMembers[teamID] == nil {
		s.teamMembers[teamID] = make(map[string]bool)
	}
	s.teamMembers[teamID][userID] = true
	return nil
}

func (s *MemoryStore) RemoveTeamMember(ctx context.Context, teamID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.teamMembers[teamID], userID)
	return nil
}

func (s *MemoryStore) ListUserTeams(ctx context.Context, userID, organizationID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []string
	for teamID, members := range s.teamMembers {
		if !members[userID] {
			continue
		}
		team, ok := s.teams[teamID]
		if !ok || team.OrganizationID != organizationID {
			continue
		}
		result = append(result, teamID)
	}
	sort.Strings(result)
	return result, nil
}

// =============================================================================
// ExecutionRepository Implementation
// =============================================================================

func (s *MemoryStore) LogToolExecution(ctx context.Context, exec *domain.ToolExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	s.executions = append(s.executions, exec)
	return nil
}

func (s *MemoryStore) ListToolExecutions(ctx context.Context, bundleID string, limit, offset int) ([]*domain.ToolExecution, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var matched []*domain.ToolExecution
	for _, exec := range s.executions {
		if exec.BundleID == bundleID {
			matched = append(matched, exec)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}
