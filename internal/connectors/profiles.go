package connectors

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/fleet-orchestrator/internal/domain"
)

// ProfileRotation выдает профили поведения по кругу и окно работы фиксированной длины.
// Сами параметры профиля (тайминги, отпечатки) живут у драйвера, ядро хранит только ссылку.
type ProfileRotation struct {
	mu       sync.Mutex
	refs     []string
	next     int
	length   time.Duration
	clockNow func() time.Time
}

func NewProfileRotation(refs []string, length time.Duration) *ProfileRotation {
	if length <= 0 {
		length = 4 * time.Hour
	}
	return &ProfileRotation{refs: append([]string(nil), refs...), length: length, clockNow: time.Now}
}

// NextProfile: следующий профиль. Без настроенных профилей генерируется одноразовая ссылка.
func (r *ProfileRotation) NextProfile(accountRef string) domain.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref := "profile-" + uuid.NewString()
	if len(r.refs) > 0 {
		ref = r.refs[r.next%len(r.refs)]
		r.next++
	}
	start := r.clockNow().UTC()
	return domain.Profile{
		Ref:    ref,
		Window: domain.ScheduleWindow{Start: start, End: start.Add(r.length)},
	}
}
