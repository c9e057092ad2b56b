package session

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// State состояние сборки сессии
type State string

const (
	StateEmpty            State = "EMPTY"
	StateVideoPending     State = "VIDEO_PENDING"
	StateVideoReady       State = "VIDEO_READY"
	StateAudioPending     State = "AUDIO_PENDING"
	StateFullyEstablished State = "FULLY_ESTABLISHED"
	StateFailed           State = "FAILED"
)

func (s State) String() string {
	return string(s)
}

// События автомата сессии
const (
	eventAwaitVideo = "await_video"
	eventVideoReady = "video_ready"
	eventAwaitAudio = "await_audio"
	eventEstablish  = "establish"
	eventFail       = "fail"
	eventRecover    = "recover"
	eventTeardown   = "teardown"
)

var allStates = []string{
	string(StateEmpty),
	string(StateVideoPending),
	string(StateVideoReady),
	string(StateAudioPending),
	string(StateFullyEstablished),
	string(StateFailed),
}

func newSessionFSM(onEnter func(from, to State)) *fsm.FSM {
	working := []string{
		string(StateEmpty),
		string(StateVideoPending),
		string(StateVideoReady),
		string(StateAudioPending),
		string(StateFullyEstablished),
	}
	return fsm.NewFSM(
		string(StateEmpty),
		fsm.Events{
			{Name: eventAwaitVideo, Src: []string{string(StateEmpty)}, Dst: string(StateVideoPending)},
			{Name: eventVideoReady, Src: []string{string(StateEmpty), string(StateVideoPending)}, Dst: string(StateVideoReady)},
			{Name: eventAwaitAudio, Src: []string{string(StateVideoReady)}, Dst: string(StateAudioPending)},
			{Name: eventEstablish, Src: []string{string(StateVideoReady), string(StateAudioPending)}, Dst: string(StateFullyEstablished)},
			{Name: eventFail, Src: working, Dst: string(StateFailed)},
			{Name: eventRecover, Src: []string{string(StateFailed)}, Dst: string(StateEmpty)},
			{Name: eventTeardown, Src: allStates, Dst: string(StateEmpty)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onEnter(State(e.Src), State(e.Dst))
			},
		},
	)
}

// fire выполняет событие, если оно допустимо из текущего состояния.
// Недопустимое событие и переход в то же состояние не являются ошибкой:
// попытки завершения повторяются, пока данные дозаполняются.
func fire(ctx context.Context, machine *fsm.FSM, event string) error {
	err := machine.Event(ctx, event)
	if err == nil {
		return nil
	}
	var noTransition fsm.NoTransitionError
	var invalid fsm.InvalidEventError
	if errors.As(err, &noTransition) || errors.As(err, &invalid) {
		return nil
	}
	return err
}
