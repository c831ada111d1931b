package bot

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-sourcing-bot/internal/domain"
	"github.com/tbourn/go-sourcing-bot/internal/keylock"
)

// Stage is the step of a conversation a user is in.
type Stage string

const (
	StageIdle Stage = ""

	// Order authoring.
	StageProduct        Stage = "order.product"
	StageBrand          Stage = "order.brand"
	StageSize           Stage = "order.size"
	StageCommentOrPhoto Stage = "order.comment"
	StageConfirm        Stage = "order.confirm"
	StageEditField      Stage = "order.edit_field"

	// Admin flows.
	StageAwaitUpload     Stage = "admin.upload"
	StagePushIDs         Stage = "admin.push_ids"
	StagePushText        Stage = "admin.push_text"
	StagePushConfirm     Stage = "admin.push_confirm"
	StageQuestionOrderID Stage = "admin.question_order"
	StageQuestionText    Stage = "admin.question_text"
	StageMacroTitle      Stage = "admin.macro_title"
	StageMacroBody       Stage = "admin.macro_body"
	StageMacroConfirm    Stage = "admin.macro_confirm"
	StageAddAdminID      Stage = "admin.add_admin"
	StageRemoveAdminID   Stage = "admin.remove_admin"
	StageKeywordAdd      Stage = "admin.keyword_add"
	StageKeywordRemove   Stage = "admin.keyword_remove"

	// Reply to an admin question.
	StageAnswerReview Stage = "answer.review"
)

// Admin reports whether the stage belongs to an admin flow.
func (s Stage) Admin() bool {
	switch s {
	case StageAwaitUpload, StagePushIDs, StagePushText, StagePushConfirm,
		StageQuestionOrderID, StageQuestionText,
		StageMacroTitle, StageMacroBody, StageMacroConfirm,
		StageAddAdminID, StageRemoveAdminID, StageKeywordAdd, StageKeywordRemove:
		return true
	}
	return false
}

// predecessor is where "back" leads from each linear authoring stage.
var predecessor = map[Stage]Stage{
	StageBrand:          StageProduct,
	StageSize:           StageBrand,
	StageCommentOrPhoto: StageSize,
}

// Draft is the per-flow scratch data of a session. Exactly one concrete
// draft type belongs to each flow.
type Draft interface {
	draft()
}

// OrderDraft is an order being authored or edited.
type OrderDraft struct {
	Product      string
	Brand        string
	Size         string
	DesiredPrice string
	Comment      string
	Photos       []domain.PhotoEntry
	// EditOrderID is set when an existing order is being edited.
	EditOrderID uint
	// EditField is the field awaiting a new value in StageEditField.
	EditField string
}

// PushDraft is a broadcast being composed.
type PushDraft struct {
	IDs  []int64
	Text string
}

// QuestionDraft is an admin question about one order.
type QuestionDraft struct {
	OrderID uint
	Number  string
}

// MacroDraft is a template being created (MacroID 0) or edited.
type MacroDraft struct {
	MacroID uint
	Title   string
	Body    string
	// Field is "title" or "body" while re-entering a single field.
	Field string
}

// AnswerDraft is a user's reply to an admin question, held for review.
type AnswerDraft struct {
	OrderID uint
	Number  string
	Text    string
}

// KeywordDraft remembers the last keyword operation for the overview.
type KeywordDraft struct {
	Last string
}

// AdminIDDraft is the admin id entry flow.
type AdminIDDraft struct {
	Remove bool
}

func (*OrderDraft) draft()    {}
func (*PushDraft) draft()     {}
func (*QuestionDraft) draft() {}
func (*MacroDraft) draft()    {}
func (*AnswerDraft) draft()   {}
func (*KeywordDraft) draft()  {}
func (*AdminIDDraft) draft()  {}

// Presentation tracks the live bot messages of a session: the current
// prompt and the current preview. Only the render helpers change it.
type Presentation struct {
	PromptID  MessageID
	PreviewID MessageID
}

// Session is the conversation state of one user.
type Session struct {
	UserID int64
	Stage  Stage
	Draft  Draft
	View   Presentation

	touched time.Time
	inUse   int
}

// Reset drops the flow state. Live messages are left to clearLive.
func (s *Session) Reset() {
	s.Stage = StageIdle
	s.Draft = nil
}

// Order returns the order draft, creating one when the session holds none.
func (s *Session) Order() *OrderDraft {
	if d, ok := s.Draft.(*OrderDraft); ok {
		return d
	}
	d := &OrderDraft{}
	s.Draft = d
	return d
}

// SessionStore keeps sessions in memory. Acquire serializes turns per user.
type SessionStore struct {
	// TTL is how long an idle session survives; zero keeps sessions forever.
	TTL time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time

	mu       sync.Mutex
	sessions map[int64]*Session
	locks    keylock.Map[int64]
}

// NewSessionStore returns an empty store.
func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{TTL: ttl, sessions: make(map[int64]*Session)}
}

func (s *SessionStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Acquire locks the user's session, creating it when absent, and returns it
// with its release func. The session must not be used after release.
func (s *SessionStore) Acquire(userID int64) (*Session, func()) {
	unlock := s.locks.Lock(userID)

	s.mu.Lock()
	if s.sessions == nil {
		s.sessions = make(map[int64]*Session)
	}
	sess, ok := s.sessions[userID]
	if !ok {
		sess = &Session{UserID: userID}
		s.sessions[userID] = sess
	}
	sess.inUse++
	sess.touched = s.now()
	s.mu.Unlock()

	var once sync.Once
	return sess, func() {
		once.Do(func() {
			s.mu.Lock()
			sess.inUse--
			sess.touched = s.now()
			s.mu.Unlock()
			unlock()
		})
	}
}

// Peek returns a copy of the user's session state, if any.
func (s *SessionStore) Peek(userID int64) (Session, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	s.mu.Unlock()
	if !ok {
		return Session{}, false
	}
	unlock := s.locks.Lock(userID)
	defer unlock()
	return *sess, true
}

// Len reports the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep evicts sessions idle for longer than TTL and returns how many went.
// Sessions in use are never evicted.
func (s *SessionStore) Sweep() int {
	if s.TTL <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.TTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.inUse == 0 && sess.touched.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// RunJanitor sweeps on every interval until ctx is done.
func (s *SessionStore) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.Sweep(); n > 0 {
				log.Debug().Int("evicted", n).Msg("bot: idle sessions evicted")
			}
		}
	}
}
