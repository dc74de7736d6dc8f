package models

import "time"

type SessionType string

const (
	SessionVideo SessionType = "video"
	SessionAudio SessionType = "audio"
	SessionChat  SessionType = "chat"
)

func (t SessionType) Valid() bool {
	switch t {
	case SessionVideo, SessionAudio, SessionChat:
		return true
	}
	return false
}

type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

type EndReason string

const (
	ReasonLowBalance EndReason = "low_balance"
	ReasonTimeOver   EndReason = "time_over"
)

func (r EndReason) Valid() bool {
	return r == ReasonLowBalance || r == ReasonTimeOver
}

type Role string

const (
	RoleCreator Role = "creator"
	RoleClient  Role = "client"
)

// SessionTimer is the in-memory view of one running call or chat.
type SessionTimer struct {
	SessionID     string      `json:"sessionId"`
	Type          SessionType `json:"type"`
	Scheduled     bool        `json:"scheduled"`
	StartTime     time.Time   `json:"startTime"`
	EndTime       time.Time   `json:"endTime"`
	TimeLeft      int         `json:"timeLeft"`
	TimeUtilized  int         `json:"timeUtilized"`
	MaxDuration   int         `json:"maxDuration"`
	RatePerMinute float64     `json:"ratePerMinute"`
	WalletLimited bool        `json:"walletLimited"`
	Status        Status      `json:"status"`

	// JoinedParticipants is only tracked for scheduled sessions.
	JoinedParticipants int `json:"joinedParticipants,omitempty"`
}

// CallDocument mirrors calls/{callId} in the document store.
type CallDocument struct {
	CallType           string    `json:"callType"`
	Status             Status    `json:"status"`
	StartTime          string    `json:"startTime"`
	EndTime            string    `json:"endTime,omitempty"`
	TimeLeft           int       `json:"timeLeft"`
	TimeUtilized       int       `json:"timeUtilized"`
	JoinedParticipants int       `json:"joinedParticipants,omitempty"`
	LastUpdatedAt      time.Time `json:"lastUpdatedAt"`
}

// ChatTimerDocument mirrors callTimer/{chatId} in the document store.
type ChatTimerDocument struct {
	TimeLeft     int  `json:"timeLeft"`
	TimeUtilized int  `json:"timeUtilized"`
	NewChat      bool `json:"newChat"`
	Ended        bool `json:"ended,omitempty"`
}

type User struct {
	ID            string  `json:"id"`
	Email         string  `json:"email"`
	Role          Role    `json:"role"`
	WalletBalance float64 `json:"walletBalance"`
}

// Creator carries the per-minute rates configured by a creator.
type Creator struct {
	ID        string  `json:"id"`
	VideoRate float64 `json:"videoRate"`
	AudioRate float64 `json:"audioRate"`
	ChatRate  float64 `json:"chatRate"`
}

func (c Creator) RateFor(t SessionType) float64 {
	switch t {
	case SessionVideo:
		return c.VideoRate
	case SessionAudio:
		return c.AudioRate
	case SessionChat:
		return c.ChatRate
	}
	return 0
}

// SessionSummary is written to the archive once a session ends.
type SessionSummary struct {
	SessionID     string      `json:"sessionId"`
	Type          SessionType `json:"type"`
	CreatorID     string      `json:"creatorId"`
	ClientID      string      `json:"clientId"`
	Reason        EndReason   `json:"reason"`
	RatePerMinute float64     `json:"ratePerMinute"`
	MaxDuration   int         `json:"maxDuration"`
	TimeUtilized  int         `json:"timeUtilized"`
	StartTime     time.Time   `json:"startTime"`
	EndedAt       time.Time   `json:"endedAt"`
}
