package action

// androidKeycodes maps friendly key names to Android input keycodes.
// Unmapped names are passed through verbatim so raw KEYCODE_* names and
// numeric codes from the model still work.
var androidKeycodes = map[string]string{
	"back":        "KEYCODE_BACK",
	"home":        "KEYCODE_HOME",
	"recent":      "KEYCODE_APP_SWITCH",
	"menu":        "KEYCODE_MENU",
	"enter":       "KEYCODE_ENTER",
	"delete":      "KEYCODE_DEL",
	"tab":         "KEYCODE_TAB",
	"space":       "KEYCODE_SPACE",
	"escape":      "KEYCODE_ESCAPE",
	"search":      "KEYCODE_SEARCH",
	"camera":      "KEYCODE_CAMERA",
	"clear":       "KEYCODE_CLEAR",
	"power":       "KEYCODE_POWER",
	"volume_up":   "KEYCODE_VOLUME_UP",
	"volume_down": "KEYCODE_VOLUME_DOWN",
}

// AndroidKeycode resolves a friendly key name to its Android keycode.
func AndroidKeycode(key string) string {
	if code, ok := androidKeycodes[key]; ok {
		return code
	}
	return key
}
