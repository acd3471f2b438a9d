package server

import "encoding/json"

// Inbound frame envelope. Data shape depends on Type.
type clientFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type audioChunkData struct {
	Chunk string `json:"chunk"`
}

type textInputData struct {
	Text string `json:"text"`
}

// Outbound frames. Field placement matches the client contract exactly:
// some carry payloads at the top level, some under data.

type serverHello struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type playbackConfig struct {
	StartupBufferMs  int `json:"startup_buffer_ms"`
	StartupMaxWaitMs int `json:"startup_max_wait_ms"`
	ScheduleLeadMs   int `json:"schedule_lead_ms"`
}

type clientConfig struct {
	Type string `json:"type"`
	Data struct {
		Playback playbackConfig `json:"playback"`
	} `json:"data"`
}

type stateUpdate struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

type textUpdate struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

type avatarState struct {
	Type    string `json:"type"`
	Emotion string `json:"emotion"`
	Source  string `json:"source"`
	TurnID  uint64 `json:"turn_id,omitempty"`
}

type ttsTextStream struct {
	Type string `json:"type"`
	Seq  int    `json:"seq"`
	Data struct {
		Seq  int    `json:"seq"`
		Text string `json:"text"`
	} `json:"data"`
}

type ttsAudioChunk struct {
	Type    string `json:"type"`
	Seq     int    `json:"seq"`
	IsFinal bool   `json:"is_final"`
	Data    struct {
		Chunk      string `json:"chunk"`
		SampleRate int    `json:"sample_rate"`
	} `json:"data"`
}

type ttsAudioFull struct {
	Type    string `json:"type"`
	Seq     int    `json:"seq"`
	Text    string `json:"text"`
	Audio   string `json:"audio"`
	IsFinal bool   `json:"is_final"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newStateUpdate(state string) stateUpdate {
	return stateUpdate{Type: "state.update", State: state}
}

func newAvatarState(emotion, source string, turnID uint64) avatarState {
	return avatarState{Type: "avatar.state", Emotion: emotion, Source: source, TurnID: turnID}
}
