package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/fleet-orchestrator/internal/domain"
)

// BlockChecker: заблокирован ли аккаунт оператором.
type BlockChecker interface {
	IsBlocked(accountRef string) bool
}

// AccountRotation выбирает аккаунт для новой сессии: не занятый, не заблокированный,
// дольше всех не выдававшийся (невыданный ни разу идет первым), при равенстве по имени.
type AccountRotation struct {
	mu           sync.Mutex
	accounts     []string
	lastAssigned map[string]time.Time
	blocked      BlockChecker
	clock        Clock
}

func NewAccountRotation(accounts []string, blocked BlockChecker, clock Clock) *AccountRotation {
	r := &AccountRotation{lastAssigned: make(map[string]time.Time), blocked: blocked, clock: clock}
	r.SetAccounts(accounts)
	return r
}

// SetAccounts заменяет список (после reload конфига), история выдачи сохраняется.
func (r *AccountRotation) SetAccounts(accounts []string) {
	seen := make(map[string]struct{}, len(accounts))
	list := make([]string, 0, len(accounts))
	for _, a := range accounts {
		if _, dup := seen[a]; dup || a == "" {
			continue
		}
		seen[a] = struct{}{}
		list = append(list, a)
	}
	sort.Strings(list)

	r.mu.Lock()
	r.accounts = list
	r.mu.Unlock()
}

func (r *AccountRotation) Acquire(inUse map[string]struct{}) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	best := ""
	var bestAt time.Time
	for _, a := range r.accounts {
		if _, busy := inUse[a]; busy {
			continue
		}
		if r.blocked != nil && r.blocked.IsBlocked(a) {
			continue
		}
		at, used := r.lastAssigned[a]
		if best == "" || (!used && !bestAt.IsZero()) || (used && at.Before(bestAt)) {
			best, bestAt = a, at
		}
	}
	if best == "" {
		return "", domain.ErrNoAccountAvailable
	}
	r.lastAssigned[best] = r.clock.Now()
	return best, nil
}

func (r *AccountRotation) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accounts)
}
