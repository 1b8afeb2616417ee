package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"schemesathi/pkg/domain"
)

// MemoryStore keeps all records in-process. It mirrors GormStore semantics
// (counter side effects, cascade deletes) and backs the test suites.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]domain.User
	email         map[string]string // email -> user ID
	profiles      map[string]domain.Profile
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message // conversationID -> ordered messages
	usage         map[string]int64            // day|event -> count
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]domain.User),
		email:         make(map[string]string),
		profiles:      make(map[string]domain.Profile),
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
		usage:         make(map[string]int64),
	}
}

func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

func (m *MemoryStore) HasUserEmail(email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[email]
	if !ok {
		return domain.User{}, false, nil
	}
	user, ok := m.users[id]
	return user, ok, nil
}

func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	return user, ok, nil
}

func (m *MemoryStore) ListUsers() ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		res = append(res, u)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (m *MemoryStore) UserCount() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

func (m *MemoryStore) SaveProfile(p domain.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.UserID] = p
	return nil
}

func (m *MemoryStore) GetProfile(userID string) (domain.Profile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	return p, ok, nil
}

func (m *MemoryStore) UpdateProfile(userID string, update domain.ProfileUpdate) (domain.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.profiles[userID]
	p.UserID = userID
	if update.FullName != nil {
		p.FullName = *update.FullName
	}
	if update.Phone != nil {
		p.Phone = *update.Phone
	}
	if update.BusinessName != nil {
		p.BusinessName = *update.BusinessName
	}
	if update.BusinessType != nil {
		p.BusinessType = *update.BusinessType
	}
	if update.BusinessCategory != nil {
		p.BusinessCategory = *update.BusinessCategory
	}
	if update.State != nil {
		p.State = *update.State
	}
	if update.District != nil {
		p.District = *update.District
	}
	if update.Pincode != nil {
		p.Pincode = *update.Pincode
	}
	if update.PreferredLanguage != nil {
		p.PreferredLanguage = *update.PreferredLanguage
	}
	if update.PreferredModel != nil {
		p.PreferredModel = *update.PreferredModel
	}
	if update.AnnualTurnover != nil {
		v := *update.AnnualTurnover
		p.AnnualTurnover = &v
	}
	if update.EmployeeCount != nil {
		v := *update.EmployeeCount
		p.EmployeeCount = &v
	}
	p.UpdatedAt = time.Now().UTC()
	m.profiles[userID] = p
	return p, nil
}

func (m *MemoryStore) CreateConversation(c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[c.ID] = c
	return nil
}

func (m *MemoryStore) GetConversation(id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	return c, ok, nil
}

func (m *MemoryStore) ListConversationsByUser(userID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Conversation, 0)
	for _, c := range m.conversations {
		if c.UserID == userID {
			res = append(res, c)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].IsPinned != res[j].IsPinned {
			return res[i].IsPinned
		}
		return lastActive(res[i]).After(lastActive(res[j]))
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func lastActive(c domain.Conversation) time.Time {
	if c.LastActiveAt != nil {
		return *c.LastActiveAt
	}
	return c.UpdatedAt
}

func (m *MemoryStore) UpdateConversation(id string, update domain.ConversationUpdate) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conversations[id]
	if update.Title != nil {
		c.Title = strings.TrimSpace(*update.Title)
	}
	if update.Language != nil {
		c.Language = *update.Language
	}
	if update.Model != nil {
		c.Model = *update.Model
	}
	if update.IsArchived != nil {
		c.IsArchived = *update.IsArchived
	}
	if update.IsPinned != nil {
		c.IsPinned = *update.IsPinned
	}
	c.UpdatedAt = time.Now().UTC()
	m.conversations[id] = c
	return c, nil
}

func (m *MemoryStore) DeleteConversation(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, id)
	delete(m.messages, id)
	return nil
}

func (m *MemoryStore) AppendMessage(msg domain.Message) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return domain.Message{}, ErrConversationMissing
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	c.MessageCount++
	at := msg.CreatedAt
	c.LastActiveAt = &at
	c.UpdatedAt = time.Now().UTC()
	m.conversations[msg.ConversationID] = c
	return msg, nil
}

func (m *MemoryStore) ListMessages(conversationID string, limit, offset int) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[conversationID]
	if offset > len(msgs) {
		return []domain.Message{}, nil
	}
	if offset > 0 {
		msgs = msgs[offset:]
	}
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *MemoryStore) CountMessages(conversationID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.messages[conversationID])), nil
}

func (m *MemoryStore) IncrementUsage(day, event string, delta int64) error {
	if delta <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[day+"|"+event] += delta
	return nil
}

func (m *MemoryStore) ListUsage(sinceDay string) ([]domain.UsageStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make([]domain.UsageStat, 0, len(m.usage))
	for key, count := range m.usage {
		parts := strings.SplitN(key, "|", 2)
		if sinceDay != "" && parts[0] < sinceDay {
			continue
		}
		stats = append(stats, domain.UsageStat{Day: parts[0], Event: parts[1], Count: count})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Day != stats[j].Day {
			return stats[i].Day > stats[j].Day
		}
		return stats[i].Event < stats[j].Event
	})
	return stats, nil
}
