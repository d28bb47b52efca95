package renderhost

import (
	"context"
	"fmt"
	"time"
)

// Settings is the OS-level configuration the render host observes on behalf
// of the application: input timing, appearance, locale, and accessibility
// preferences. The host pushes a full snapshot after connecting and one
// update per change; the application side never polls.
type Settings struct {
	KeyRepeatDelay     time.Duration `msgpack:"key_repeat_delay"`
	KeyRepeatInterval  time.Duration `msgpack:"key_repeat_interval"`
	MultiClickInterval time.Duration `msgpack:"multi_click_interval"`
	CaretBlinkInterval time.Duration `msgpack:"caret_blink_interval"`
	ColorScheme        ColorScheme   `msgpack:"color_scheme"`
	Locale             string        `msgpack:"locale"`
	ReducedMotion      bool          `msgpack:"reduced_motion"`
}

// ColorScheme is the OS appearance preference.
type ColorScheme string

const (
	ColorSchemeNoPreference ColorScheme = "no-preference"
	ColorSchemeLight        ColorScheme = "light"
	ColorSchemeDark         ColorScheme = "dark"
)

// DefaultSettings are the values used when the platform offers no readings.
func DefaultSettings() Settings {
	return Settings{
		KeyRepeatDelay:     500 * time.Millisecond,
		KeyRepeatInterval:  30 * time.Millisecond,
		MultiClickInterval: 500 * time.Millisecond,
		CaretBlinkInterval: 530 * time.Millisecond,
		ColorScheme:        ColorSchemeNoPreference,
		Locale:             "en-US",
	}
}

// SettingsSource is the capability interface a platform implements to feed
// the config bridge. One implementation is selected per target platform;
// callers depend only on this interface. A platform with no way to observe a
// setting reports the defaults and an idle Watch; degrading to "no change
// events" is never an error.
type SettingsSource interface {
	// Current returns the present settings snapshot.
	Current() (Settings, error)

	// Watch returns a channel of settings updates. The channel is closed
	// when ctx is done. A nil channel (with nil error) means the platform
	// cannot observe changes.
	Watch(ctx context.Context) (<-chan Settings, error)
}

// StaticSettingsSource serves a fixed snapshot and no change events. It is
// the degraded mode for platforms without configuration notification
// support, and convenient in tests.
type StaticSettingsSource struct {
	Settings Settings
}

func (s *StaticSettingsSource) Current() (Settings, error) {
	return s.Settings, nil
}

func (s *StaticSettingsSource) Watch(ctx context.Context) (<-chan Settings, error) {
	return nil, nil
}

// FuncSettingsSource adapts a pair of functions to a SettingsSource, letting
// the embedding application plug in its platform reader without a named
// type.
type FuncSettingsSource struct {
	CurrentFunc func() (Settings, error)
	WatchFunc   func(ctx context.Context) (<-chan Settings, error)
}

func (f *FuncSettingsSource) Current() (Settings, error) {
	if f.CurrentFunc == nil {
		return DefaultSettings(), nil
	}
	return f.CurrentFunc()
}

func (f *FuncSettingsSource) Watch(ctx context.Context) (<-chan Settings, error) {
	if f.WatchFunc == nil {
		return nil, nil
	}
	return f.WatchFunc(ctx)
}

// DecodeSettingsEvent decodes a TopicSettings event body. Used by the
// application side of the bridge; the supervisor does this automatically for
// its notification stream.
func DecodeSettingsEvent(ser Serializer, ev Event) (Settings, error) {
	if ev.Topic != TopicSettings {
		return Settings{}, fmt.Errorf("not a settings event: %q", ev.Topic)
	}
	var s Settings
	if err := ser.Unmarshal(ev.Body, &s); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return s, nil
}
