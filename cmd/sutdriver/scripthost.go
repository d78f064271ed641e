package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kstaniek/go-sut-driver/internal/driver"
)

// requestEnvelope is the on-the-wire shape of one script line: a
// discriminated union keyed by Type, since driver.Request/driver.VNCOp are
// sealed Go interfaces with no JSON tags of their own. This file is the
// thinnest possible ScriptHost: it exists only so the CLI has something
// concrete to read, per spec.md's note that ScriptHost is an opaque
// external collaborator.
type requestEnvelope struct {
	Type      string `json:"type"`
	TOML      string `json:"toml,omitempty"`
	Key       string `json:"key,omitempty"`
	Cmd       string `json:"cmd,omitempty"`
	Console   string `json:"console,omitempty"`
	S         string `json:"s,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`

	// VNC fields, used when Type == "VNC".
	Op               string  `json:"op,omitempty"`
	Name             string  `json:"name,omitempty"`
	X                int     `json:"x,omitempty"`
	Y                int     `json:"y,omitempty"`
	ButtonMask       uint8   `json:"button_mask,omitempty"`
	Keys             []uint32 `json:"keys,omitempty"`
	Tag              string  `json:"tag,omitempty"`
	Threshold        float32 `json:"threshold,omitempty"`
	Click            bool    `json:"click,omitempty"`
	Move             bool    `json:"move,omitempty"`
	DelayMS          int64   `json:"delay_ms,omitempty"`
	EnableScreenshot bool    `json:"enable_screenshot,omitempty"`
	ScreenshotName   string  `json:"screenshot_name,omitempty"`
}

func parseConsole(s string) driver.Console {
	switch s {
	case "serial":
		return driver.ConsoleSerial
	case "ssh":
		return driver.ConsoleSSH
	default:
		return driver.ConsoleAuto
	}
}

// toRequest converts one decoded line into a driver.Request.
func (e requestEnvelope) toRequest() (driver.Request, error) {
	timeout := time.Duration(e.TimeoutMS) * time.Millisecond
	switch e.Type {
	case "SetConfig":
		return driver.SetConfigReq{TOML: e.TOML}, nil
	case "GetConfig":
		return driver.GetConfigReq{Key: e.Key}, nil
	case "ScriptRun":
		return driver.ScriptRunReq{Cmd: e.Cmd, Console: parseConsole(e.Console), Timeout: timeout}, nil
	case "SSHScriptRunSeparate":
		return driver.SSHScriptRunSeparateReq{Cmd: e.Cmd, Timeout: timeout}, nil
	case "WriteString":
		return driver.WriteStringReq{Console: parseConsole(e.Console), S: e.S, Timeout: timeout}, nil
	case "WaitString":
		return driver.WaitStringReq{Console: parseConsole(e.Console), S: e.S, Timeout: timeout}, nil
	case "VNC":
		op, err := e.toVNCOp(timeout)
		if err != nil {
			return nil, err
		}
		return driver.VNCReq{Op: op}, nil
	default:
		return nil, fmt.Errorf("unknown request type %q", e.Type)
	}
}

func (e requestEnvelope) toVNCOp(timeout time.Duration) (driver.VNCOp, error) {
	switch e.Op {
	case "TakeScreenShot":
		return driver.VNCTakeScreenShot{Name: e.Name}, nil
	case "GetScreenShot":
		return driver.VNCGetScreenShot{}, nil
	case "Refresh":
		return driver.VNCRefresh{Timeout: timeout}, nil
	case "MouseMove":
		return driver.VNCMouseMove{X: e.X, Y: e.Y}, nil
	case "MouseDrag":
		return driver.VNCMouseDrag{X: e.X, Y: e.Y}, nil
	case "MouseClick":
		return driver.VNCMouseClick{ButtonMask: e.ButtonMask}, nil
	case "MouseHide":
		return driver.VNCMouseHide{}, nil
	case "MoveDown":
		return driver.VNCMoveDown{ButtonMask: e.ButtonMask}, nil
	case "MoveUp":
		return driver.VNCMoveUp{}, nil
	case "SendKey":
		return driver.VNCSendKey{Keys: e.Keys}, nil
	case "TypeString":
		return driver.VNCTypeString{S: e.S}, nil
	case "CheckScreen":
		return driver.VNCCheckScreen{
			Tag:              e.Tag,
			Threshold:        e.Threshold,
			Timeout:          timeout,
			Click:            e.Click,
			Move:             e.Move,
			Delay:            time.Duration(e.DelayMS) * time.Millisecond,
			EnableScreenshot: e.EnableScreenshot,
			ScreenshotName:   e.ScreenshotName,
		}, nil
	default:
		return nil, fmt.Errorf("unknown vnc op %q", e.Op)
	}
}

// responseEnvelope is the JSON shape printed for every driver.Response.
type responseEnvelope struct {
	Type        string  `json:"type"`
	Code        int     `json:"code,omitempty"`
	Value       string  `json:"value,omitempty"`
	ConfigValue *string `json:"config_value,omitempty"`
	PNGBase64   string  `json:"png_base64,omitempty"`
	ErrorKind   string  `json:"error_kind,omitempty"`
	ErrorMsg    string  `json:"error_msg,omitempty"`
}

// isFailure reports whether resp should push the CLI's overall exit code
// non-zero: an ErrorRes, or a ScriptRunRes with a nonzero exit code (the
// assert_script_run* convention, enforced here since there's no script VM).
func isFailure(resp driver.Response) bool {
	switch r := resp.(type) {
	case driver.ErrorRes:
		return true
	case driver.ScriptRunRes:
		return r.Code != 0
	default:
		return false
	}
}

func encodeResponse(resp driver.Response) ([]byte, error) {
	var env responseEnvelope
	switch r := resp.(type) {
	case driver.DoneRes:
		env.Type = "Done"
	case driver.ScriptRunRes:
		env.Type = "ScriptRun"
		env.Code = r.Code
		env.Value = r.Value
	case driver.ConfigValueRes:
		env.Type = "ConfigValue"
		env.ConfigValue = r.Value
	case driver.ScreenshotRes:
		env.Type = "Screenshot"
		png, err := r.PNG.EncodePNG()
		if err != nil {
			return nil, err
		}
		env.PNGBase64 = base64.StdEncoding.EncodeToString(png)
	case driver.ErrorRes:
		env.Type = "Error"
		env.ErrorKind = r.Err.Kind.String()
		env.ErrorMsg = r.Err.Msg
	default:
		return nil, fmt.Errorf("unknown response type %T", resp)
	}
	return json.Marshal(env)
}
