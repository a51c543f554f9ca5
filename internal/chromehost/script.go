package chromehost

import (
	"encoding/json"
	"fmt"
	"strings"

	"pkt.systems/tabjump/agent"
)

// bindingName is the page-side function the listener script reports input through.
const bindingName = "__tabjumpKey"

const listenerTemplate = `(() => {
  const gen = %s;
  const mods = %s;
  if (window.__tabjumpListening) {
    window.__tabjumpGen = gen;
    window.__tabjumpMods = mods;
    return true;
  }
  window.__tabjumpListening = true;
  window.__tabjumpGen = gen;
  window.__tabjumpMods = mods;
  const report = (type, e) => {
    if (typeof window.%[3]s !== "function") return;
    window.%[3]s(JSON.stringify({
      gen: window.__tabjumpGen,
      type: type,
      key: e ? e.key : "",
      meta: !!(e && e.metaKey),
      ctrl: !!(e && e.ctrlKey),
      alt: !!(e && e.altKey),
      shift: !!(e && e.shiftKey),
    }));
  };
  const armed = (e) => window.__tabjumpMods.some((m) => e[m + "Key"]);
  document.addEventListener("keydown", (e) => {
    if (armed(e) && e.key.length === 1 && e.key >= "1" && e.key <= "9") {
      e.preventDefault();
    }
    report("keydown", e);
  }, true);
  document.addEventListener("keyup", (e) => report("keyup", e), true);
  window.addEventListener("blur", () => report("blur"));
  window.addEventListener("focus", () => report("focus"));
  if (document.hasFocus()) report("focus");
  return true;
})()`

// listenerScript returns the expression that installs the page listeners
// for generation gen. Reinstalling in the same document only moves the
// reported generation forward.
func listenerScript(gen string, modifiers []string) (string, error) {
	genJSON, err := json.Marshal(gen)
	if err != nil {
		return "", err
	}
	if modifiers == nil {
		modifiers = []string{}
	}
	modsJSON, err := json.Marshal(modifiers)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(listenerTemplate, genJSON, modsJSON, bindingName), nil
}

// setTitleScript assigns document.title and returns the new value.
func setTitleScript(title string) (string, error) {
	b, err := json.Marshal(title)
	if err != nil {
		return "", err
	}
	return "document.title = " + string(b), nil
}

type inputKind string

const (
	inputKeyDown inputKind = "keydown"
	inputKeyUp   inputKind = "keyup"
	inputBlur    inputKind = "blur"
	inputFocus   inputKind = "focus"
)

// input is one report from the listener script.
type input struct {
	Gen   string    `json:"gen"`
	Type  inputKind `json:"type"`
	Key   string    `json:"key"`
	Meta  bool      `json:"meta"`
	Ctrl  bool      `json:"ctrl"`
	Alt   bool      `json:"alt"`
	Shift bool      `json:"shift"`
}

func (in input) keyEvent() agent.KeyEvent {
	return agent.KeyEvent{Key: in.Key, Meta: in.Meta, Ctrl: in.Ctrl, Alt: in.Alt, Shift: in.Shift}
}

func parseInput(payload string) (input, error) {
	var in input
	if err := json.Unmarshal([]byte(payload), &in); err != nil {
		return input{}, fmt.Errorf("decode input: %w", err)
	}
	switch in.Type {
	case inputKeyDown, inputKeyUp, inputBlur, inputFocus:
	default:
		return input{}, fmt.Errorf("unknown input type %q", in.Type)
	}
	in.Gen = strings.TrimSpace(in.Gen)
	return in, nil
}
