package protocol

// CommandType discriminates operator commands inside a COMMAND payload.
type CommandType string

const (
	CommandLoad           CommandType = "LOAD"
	CommandStartAt        CommandType = "START_AT"
	CommandPause          CommandType = "PAUSE"
	CommandResume         CommandType = "RESUME"
	CommandSeek           CommandType = "SEEK"
	CommandShowScreen     CommandType = "SHOW_SCREEN"
	CommandHideScreen     CommandType = "HIDE_SCREEN"
	CommandHideAllScreens CommandType = "HIDE_ALL_SCREENS"
	CommandShowAllScreens CommandType = "SHOW_ALL_SCREENS"
	CommandToggleScreen   CommandType = "TOGGLE_SCREEN"
)

// ScreenType names an auxiliary display surface in the venue.
type ScreenType string

const (
	ScreenSolar      ScreenType = "solar"
	ScreenPetroleo   ScreenType = "petroleo"
	ScreenPlataforma ScreenType = "plataforma"
)

// ScreenTypes lists every known screen, in display order.
var ScreenTypes = []ScreenType{ScreenSolar, ScreenPetroleo, ScreenPlataforma}

// Valid reports whether s is a known screen.
func (s ScreenType) Valid() bool {
	for _, known := range ScreenTypes {
		if s == known {
			return true
		}
	}
	return false
}

// Command is the closed set of operator instructions broadcast to devices.
type Command interface {
	CommandType() CommandType
	isCommand()
}

type Load struct {
	SceneID string `json:"sceneId" validate:"required,min=1,max=50"`
}

// StartAt schedules playback at an absolute server epoch in milliseconds.
type StartAt struct {
	EpochMs int64 `json:"epochMs" validate:"gt=0"`
}

type Pause struct{}

type Resume struct{}

// Seek moves playback by DeltaMs, which may be negative.
type Seek struct {
	DeltaMs int64 `json:"deltaMs"`
}

type ShowScreen struct {
	ScreenType ScreenType `json:"screenType" validate:"screentype"`
}

type HideScreen struct {
	ScreenType ScreenType `json:"screenType" validate:"screentype"`
}

type HideAllScreens struct{}

type ShowAllScreens struct{}

type ToggleScreen struct {
	ScreenType ScreenType `json:"screenType" validate:"screentype"`
}

func (Load) CommandType() CommandType           { return CommandLoad }
func (StartAt) CommandType() CommandType        { return CommandStartAt }
func (Pause) CommandType() CommandType          { return CommandPause }
func (Resume) CommandType() CommandType         { return CommandResume }
func (Seek) CommandType() CommandType           { return CommandSeek }
func (ShowScreen) CommandType() CommandType     { return CommandShowScreen }
func (HideScreen) CommandType() CommandType     { return CommandHideScreen }
func (HideAllScreens) CommandType() CommandType { return CommandHideAllScreens }
func (ShowAllScreens) CommandType() CommandType { return CommandShowAllScreens }
func (ToggleScreen) CommandType() CommandType   { return CommandToggleScreen }

func (Load) isCommand()           {}
func (StartAt) isCommand()        {}
func (Pause) isCommand()          {}
func (Resume) isCommand()         {}
func (Seek) isCommand()           {}
func (ShowScreen) isCommand()     {}
func (HideScreen) isCommand()     {}
func (HideAllScreens) isCommand() {}
func (ShowAllScreens) isCommand() {}
func (ToggleScreen) isCommand()   {}

// IsScreenCommand reports whether c only affects auxiliary screens.
func IsScreenCommand(c Command) bool {
	switch c.(type) {
	case ShowScreen, HideScreen, HideAllScreens, ShowAllScreens, ToggleScreen:
		return true
	default:
		return false
	}
}

// CommandPayload is the flattened COMMAND payload as it appears on the wire.
type CommandPayload struct {
	CommandType CommandType `json:"commandType"`
	SceneID     string      `json:"sceneId,omitempty"`
	EpochMs     int64       `json:"epochMs,omitempty"`
	DeltaMs     *int64      `json:"deltaMs,omitempty"`
	ScreenType  ScreenType  `json:"screenType,omitempty"`
}
