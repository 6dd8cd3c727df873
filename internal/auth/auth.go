package auth

import (
	"errors"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"lokalkasir/terminal/internal/domain"
)

// Capabilities are the discount permissions derived from an actor's role.
type Capabilities struct {
	CanApplyDiscount     bool
	CanApplyItemDiscount bool
}

func CapabilitiesFor(role string) Capabilities {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "admin", "supervisor":
		return Capabilities{CanApplyDiscount: true, CanApplyItemDiscount: true}
	case "cashier":
		return Capabilities{CanApplyItemDiscount: true}
	default:
		return Capabilities{}
	}
}

// Provider exposes the currently signed-in operator to the rest of the
// terminal and notifies on operator changes.
type Provider interface {
	CurrentUser() domain.Actor
	OnAuthChange(fn func(domain.Actor)) (cancel func())
}

type terminalClaims struct {
	jwtlib.RegisteredClaims
	Role        string `json:"role"`
	DisplayName string `json:"name,omitempty"`
}

// Manager validates operator tokens and supervisor overrides. The supervisor
// PIN is bcrypt-hashed at construction and only ever compared, never read
// back.
type Manager struct {
	mu            sync.RWMutex
	secret        []byte
	tokenTTL      time.Duration
	supervisorPIN string
	current       domain.Actor
	watchers      map[int]func(domain.Actor)
	nextWatcher   int
}

func NewManager(secret string, tokenTTL time.Duration, supervisorPIN string) *Manager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	supervisorPIN = strings.TrimSpace(supervisorPIN)
	if supervisorPIN == "" {
		supervisorPIN = "disabled"
	}
	hashed, err := hashSecret(supervisorPIN)
	if err == nil {
		supervisorPIN = hashed
	}
	return &Manager{
		secret:        []byte(secret),
		tokenTTL:      tokenTTL,
		supervisorPIN: supervisorPIN,
		watchers:      make(map[int]func(domain.Actor)),
	}
}

// SignIn validates the token and makes its subject the current operator.
func (m *Manager) SignIn(tokenStr string) (domain.Actor, error) {
	actor, err := m.ParseToken(tokenStr)
	if err != nil {
		return domain.Actor{}, err
	}
	m.setCurrent(actor)
	return actor, nil
}

func (m *Manager) SignOut() {
	m.setCurrent(domain.Actor{})
}

func (m *Manager) CurrentUser() domain.Actor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) OnAuthChange(fn func(domain.Actor)) (cancel func()) {
	m.mu.Lock()
	id := m.nextWatcher
	m.nextWatcher++
	m.watchers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &terminalClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	name := claims.DisplayName
	if name == "" {
		name = sub
	}
	return domain.Actor{ID: sub, DisplayName: name, Role: claims.Role}, nil
}

// IssueToken signs a token for the given operator. Used by provisioning and
// by tests.
func (m *Manager) IssueToken(actor domain.Actor) (string, error) {
	now := time.Now().UTC()
	claims := terminalClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(m.tokenTTL)),
			Issuer:    "lokalkasir",
		},
		Role:        actor.Role,
		DisplayName: actor.DisplayName,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// AuthorizeDifference checks the supervisor PIN entered to approve a cashbox
// close whose counted amount deviates beyond the configured threshold.
func (m *Manager) AuthorizeDifference(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || !isSecretHash(m.supervisorPIN) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(m.supervisorPIN), []byte(input)) == nil
}

func (m *Manager) setCurrent(actor domain.Actor) {
	m.mu.Lock()
	m.current = actor
	watchers := make([]func(domain.Actor), 0, len(m.watchers))
	for _, fn := range m.watchers {
		watchers = append(watchers, fn)
	}
	m.mu.Unlock()
	for _, fn := range watchers {
		fn(actor)
	}
}

func hashSecret(value string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(value), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isSecretHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
