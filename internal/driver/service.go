package driver

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-sut-driver/internal/console"
	"github.com/kstaniek/go-sut-driver/internal/logging"
	"github.com/kstaniek/go-sut-driver/internal/metrics"
	"github.com/kstaniek/go-sut-driver/internal/needle"
	"github.com/kstaniek/go-sut-driver/internal/tty"
	"github.com/kstaniek/go-sut-driver/internal/vnc"
)

// checkScreenPollInterval is how often CheckScreen re-samples the screen
// while waiting for a needle match.
const checkScreenPollInterval = 200 * time.Millisecond

// dialSerial, dialSSH, and dialVNC are seams tests override to stand in a
// fake console/transport instead of a real device/socket, the same pattern
// console.openSerialPort uses.
var (
	dialSerial = console.DialSerial
	dialSSH    = console.DialSSH
	dialVNC    = vnc.Dial
)

// Service holds optional handles to the three consoles plus the active
// config, shared by every per-request worker the Server spawns. Each
// console internally serializes its own operations, so concurrent workers
// may safely call the same console.
type Service struct {
	mu sync.RWMutex

	cfg    *Config
	serial *console.Serial
	ssh    *console.SSH
	vncCli *vnc.Client
	writer *vnc.Writer

	logger *slog.Logger
}

// NewService constructs an unconfigured Service; call SetConfig to connect
// consoles.
func NewService() *Service {
	return &Service{logger: logging.L()}
}

// HandleReq dispatches req to the appropriate handler and always returns a
// non-nil Response (an ErrorRes on failure, never a panic).
func (s *Service) HandleReq(req Request) Response {
	switch r := req.(type) {
	case SetConfigReq:
		return s.handleSetConfig(r)
	case GetConfigReq:
		return s.handleGetConfig(r)
	case ScriptRunReq:
		return s.handleScriptRun(r)
	case SSHScriptRunSeparateReq:
		return s.handleSSHScriptRunSeparate(r)
	case WriteStringReq:
		return s.handleWriteString(r)
	case WaitStringReq:
		return s.handleWaitString(r)
	case VNCReq:
		return s.handleVNCReq(r)
	default:
		return ErrorRes{Err: newError(KindProtocol, "unknown request type %T", req)}
	}
}

// selectConsole implements the console-selection policy shared by
// ScriptRun, WriteString, and WaitString: an explicit console wins (error
// if absent); otherwise prefer serial, then ssh; if neither is configured,
// return the message "no console supported" (spec.md's wording), which the
// handlers report as a KindNoConnection ErrorRes.
func (s *Service) selectConsole(c Console) (*tty.Tty, bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch c {
	case ConsoleSerial:
		if s.serial == nil {
			return nil, false, ""
		}
		return s.serial.Tty, true, ""
	case ConsoleSSH:
		if s.ssh == nil {
			return nil, false, ""
		}
		return s.ssh.Tty, true, ""
	default:
		if s.serial != nil {
			return s.serial.Tty, true, ""
		}
		if s.ssh != nil {
			return s.ssh.Tty, true, ""
		}
		return nil, false, "no console supported"
	}
}

// noConsoleMsg fills in selectConsole's default message for the explicit-
// console-missing case, where selectConsole itself returns "".
func noConsoleMsg(msg string) string {
	if msg == "" {
		return "console not configured"
	}
	return msg
}

func (s *Service) handleSetConfig(r SetConfigReq) Response {
	cfg, err := ParseConfig(r.TOML)
	if err != nil {
		metrics.IncError(metrics.ErrConfig)
		return ErrorRes{Err: err.(*DriverError)}
	}

	var (
		newSerial *console.Serial
		newSSH    *console.SSH
		newVNC    *vnc.Client
		newWriter *vnc.Writer
	)

	if cfg.Serial != nil {
		c, dialErr := dialSerial(console.SerialConfig{
			Device: cfg.Serial.Device, Baud: cfg.Serial.Baud, ReadTimeout: cfg.Serial.ReadTimeout,
		}, tty.Setting{DisableEcho: cfg.Tty.DisableEcho, Linebreak: cfg.Tty.Linebreak}, "")
		if dialErr != nil {
			metrics.IncError(metrics.ErrSerialOpen)
			return s.abortSetConfig(newSerial, newSSH, newVNC, newWriter, "serial", dialErr)
		}
		metrics.IncConsoleReconnect("serial")
		newSerial = c
	}

	if cfg.SSH != nil {
		c, dialErr := dialSSH(console.SSHConfig{
			Host: cfg.SSH.Host, Port: cfg.SSH.Port, User: cfg.SSH.User, Password: cfg.SSH.Password,
		}, tty.Setting{DisableEcho: cfg.Tty.DisableEcho, Linebreak: cfg.Tty.Linebreak}, "")
		if dialErr != nil {
			metrics.IncError(metrics.ErrSSHDial)
			return s.abortSetConfig(newSerial, newSSH, newVNC, newWriter, "ssh", dialErr)
		}
		metrics.IncConsoleReconnect("ssh")
		newSSH = c
	}

	if cfg.VNC != nil {
		c, dialErr := dialVNC(vnc.Config{Host: cfg.VNC.Host, Port: cfg.VNC.Port, Password: cfg.VNC.Password})
		if dialErr != nil {
			metrics.IncError(metrics.ErrVNCDial)
			return s.abortSetConfig(newSerial, newSSH, newVNC, newWriter, "vnc", dialErr)
		}
		metrics.IncConsoleReconnect("vnc")
		newVNC = c
		if cfg.VNC.ScreenshotDir != "" {
			w, werr := vnc.NewWriter(cfg.VNC.ScreenshotDir)
			if werr != nil {
				return s.abortSetConfig(newSerial, newSSH, newVNC, newWriter, "vnc", werr)
			}
			newWriter = w
		}
	}

	s.mu.Lock()
	prevSerial, prevSSH, prevVNC, prevWriter := s.serial, s.ssh, s.vncCli, s.writer
	s.cfg = cfg
	s.serial = newSerial
	s.ssh = newSSH
	s.vncCli = newVNC
	s.writer = newWriter
	s.mu.Unlock()

	stopConsoles(prevSerial, prevSSH, prevVNC, prevWriter)
	return DoneRes{}
}

// abortSetConfig tears down whichever new consoles were already opened
// before the failure, leaving the previous configuration untouched.
func (s *Service) abortSetConfig(newSerial *console.Serial, newSSH *console.SSH, newVNC *vnc.Client, newWriter *vnc.Writer, which string, cause error) Response {
	stopConsoles(newSerial, newSSH, newVNC, newWriter)
	return ErrorRes{Err: newError(KindConfigInvalid, "connect %s: %v", which, cause)}
}

func stopConsoles(serial *console.Serial, ssh *console.SSH, vncCli *vnc.Client, writer *vnc.Writer) {
	if serial != nil {
		serial.Stop()
	}
	if ssh != nil {
		ssh.Stop()
	}
	if vncCli != nil {
		_ = vncCli.Close()
	}
	if writer != nil {
		writer.Close()
	}
}

func (s *Service) handleGetConfig(r GetConfigReq) Response {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return ConfigValueRes{Value: nil}
	}
	v, ok := s.cfg.Env[r.Key]
	if !ok {
		return ConfigValueRes{Value: nil}
	}
	return ConfigValueRes{Value: &v}
}

func (s *Service) handleScriptRun(r ScriptRunReq) Response {
	t, ok, msg := s.selectConsole(r.Console)
	if !ok {
		return ErrorRes{Err: newError(KindNoConnection, "%s", noConsoleMsg(msg))}
	}
	metrics.IncExecInvocation()
	code, value, err := t.Exec(r.Cmd, r.Timeout)
	if err != nil {
		metrics.IncExecFailure()
		return ErrorRes{Err: ttyErrToDriverErr(err)}
	}
	return ScriptRunRes{Code: code, Value: value}
}

func (s *Service) handleSSHScriptRunSeparate(r SSHScriptRunSeparateReq) Response {
	s.mu.RLock()
	sshConsole := s.ssh
	s.mu.RUnlock()
	if sshConsole == nil {
		return ErrorRes{Err: newError(KindNoConnection, "ssh not configured")}
	}
	metrics.IncExecInvocation()
	code, value, err := sshConsole.ExecSeparate(r.Cmd, r.Timeout)
	if err != nil {
		metrics.IncExecFailure()
		return ErrorRes{Err: newError(KindProtocol, "%v", err)}
	}
	return ScriptRunRes{Code: code, Value: value}
}

func (s *Service) handleWriteString(r WriteStringReq) Response {
	t, ok, msg := s.selectConsole(r.Console)
	if !ok {
		return ErrorRes{Err: newError(KindNoConnection, "%s", noConsoleMsg(msg))}
	}
	if err := t.WriteString(r.S, r.Timeout); err != nil {
		return ErrorRes{Err: ttyErrToDriverErr(err)}
	}
	return DoneRes{}
}

func (s *Service) handleWaitString(r WaitStringReq) Response {
	t, ok, msg := s.selectConsole(r.Console)
	if !ok {
		return ErrorRes{Err: newError(KindNoConnection, "%s", noConsoleMsg(msg))}
	}
	metrics.IncWaitStringCall()
	if _, err := t.WaitString(r.S, r.Timeout); err != nil {
		metrics.IncWaitStringTimeout()
		return ErrorRes{Err: ttyErrToDriverErr(err)}
	}
	return DoneRes{}
}

func ttyErrToDriverErr(err error) *DriverError {
	if err == tty.ErrCancel {
		return newError(KindCancel, "cancelled")
	}
	return newError(KindTimeout, "%v", err)
}

func (s *Service) handleVNCReq(r VNCReq) Response {
	s.mu.RLock()
	cli := s.vncCli
	writer := s.writer
	cfg := s.cfg
	s.mu.RUnlock()

	if cli == nil {
		return ErrorRes{Err: newError(KindNoConnection, "vnc not configured")}
	}

	switch op := r.Op.(type) {
	case VNCTakeScreenShot:
		shot, err := cli.GetScreenShot()
		if err != nil {
			return ErrorRes{Err: newError(KindNoConnection, "%v", err)}
		}
		if writer != nil {
			ack := make(chan error, 1)
			_ = writer.Save(shot, op.Name, ack)
		}
		return ScreenshotRes{PNG: shot}
	case VNCGetScreenShot:
		shot, err := cli.GetScreenShot()
		if err != nil {
			return ErrorRes{Err: newError(KindNoConnection, "%v", err)}
		}
		return ScreenshotRes{PNG: shot}
	case VNCRefresh:
		shot, err := cli.Refresh(op.Timeout)
		if err != nil {
			return ErrorRes{Err: newError(KindTimeout, "%v", err)}
		}
		return ScreenshotRes{PNG: shot}
	case VNCMouseMove:
		if err := cli.MouseMove(op.X, op.Y); err != nil {
			return ErrorRes{Err: newError(KindProtocol, "%v", err)}
		}
		return DoneRes{}
	case VNCMouseDrag:
		if err := cli.MouseDrag(op.X, op.Y); err != nil {
			return ErrorRes{Err: newError(KindProtocol, "%v", err)}
		}
		return DoneRes{}
	case VNCMouseClick:
		if err := cli.MouseClick(op.ButtonMask); err != nil {
			return ErrorRes{Err: newError(KindProtocol, "%v", err)}
		}
		return DoneRes{}
	case VNCMouseHide:
		if err := cli.MouseHide(); err != nil {
			return ErrorRes{Err: newError(KindProtocol, "%v", err)}
		}
		return DoneRes{}
	case VNCMoveDown:
		if err := cli.MoveDown(op.ButtonMask); err != nil {
			return ErrorRes{Err: newError(KindProtocol, "%v", err)}
		}
		return DoneRes{}
	case VNCMoveUp:
		if err := cli.MoveUp(); err != nil {
			return ErrorRes{Err: newError(KindProtocol, "%v", err)}
		}
		return DoneRes{}
	case VNCSendKey:
		if err := cli.SendKey(op.Keys); err != nil {
			return ErrorRes{Err: newError(KindProtocol, "%v", err)}
		}
		return DoneRes{}
	case VNCTypeString:
		if err := cli.TypeString(op.S); err != nil {
			return ErrorRes{Err: newError(KindProtocol, "%v", err)}
		}
		return DoneRes{}
	case VNCCheckScreen:
		return s.checkScreen(cli, writer, cfg, op)
	default:
		return ErrorRes{Err: newError(KindProtocol, "unknown vnc op %T", op)}
	}
}

// screenSource is the subset of *vnc.Client's surface checkScreen and
// onNeedleMatch need. Narrowing from the concrete type to this interface
// lets both be exercised in tests against a fake, without a live RFB
// connection.
type screenSource interface {
	GetScreenShot() (*vnc.Screenshot, error)
	MouseMove(x, y int) error
	MouseClick(mask uint8) error
	MouseHide() error
}

// checkScreen is the CheckScreen matching retry loop: poll every 200ms
// until the named needle matches or the deadline passes, then optionally
// move/click/hide at its click point.
func (s *Service) checkScreen(cli screenSource, writer *vnc.Writer, cfg *Config, op VNCCheckScreen) Response {
	if cfg == nil || cfg.VNC == nil || cfg.VNC.NeedleDir == "" {
		return ErrorRes{Err: newError(KindConfigInvalid, "no needle_dir configured")}
	}

	deadline := time.Now().Add(op.Timeout)
	attempt := 0
	for time.Now().Before(deadline) {
		attempt++
		metrics.IncNeedleCompareAttempt()

		shot, err := cli.GetScreenShot()
		if err != nil {
			time.Sleep(checkScreenPollInterval)
			continue
		}

		n, err := needle.Load(cfg.VNC.NeedleDir, op.Tag)
		if err != nil {
			metrics.IncNeedleMissing()
			if op.EnableScreenshot && writer != nil {
				tag := fmt.Sprintf("%s-%d-failed-noneedle", op.ScreenshotName, attempt)
				_ = writer.Save(shot, tag, nil)
			}
			time.Sleep(checkScreenPollInterval)
			continue
		}

		_, matched := needle.Compare(shot, n, op.Threshold)
		if matched {
			metrics.IncNeedleCompareHit()
			if op.EnableScreenshot && writer != nil {
				tag := fmt.Sprintf("%s-%d-success", op.ScreenshotName, attempt)
				_ = writer.Save(shot, tag, nil)
			}
			return s.onNeedleMatch(cli, n, op)
		}

		if op.EnableScreenshot && writer != nil {
			tag := fmt.Sprintf("%s-%d-failed", op.ScreenshotName, attempt)
			_ = writer.Save(shot, tag, nil)
		}
		time.Sleep(checkScreenPollInterval)
	}
	return ErrorRes{Err: newError(KindMatchFailed, "match timeout")}
}

// onNeedleMatch performs the post-match pointer action: move-only, a
// settling double-move-then-click, or MouseHide when neither is requested.
func (s *Service) onNeedleMatch(cli screenSource, n *needle.Needle, op VNCCheckScreen) Response {
	if op.Delay > 0 {
		time.Sleep(op.Delay)
	}

	x, y, ok := n.ClickPoint()
	if !ok {
		return DoneRes{}
	}

	switch {
	case op.Move:
		if err := cli.MouseMove(x, y); err != nil {
			return ErrorRes{Err: newError(KindProtocol, "%v", err)}
		}
	case op.Click:
		if err := cli.MouseMove(x, y); err != nil {
			return ErrorRes{Err: newError(KindProtocol, "%v", err)}
		}
		time.Sleep(1 * time.Second)
		if err := cli.MouseMove(x, y); err != nil {
			return ErrorRes{Err: newError(KindProtocol, "%v", err)}
		}
		time.Sleep(1 * time.Second)
		if err := cli.MouseClick(1); err != nil {
			return ErrorRes{Err: newError(KindProtocol, "%v", err)}
		}
		time.Sleep(1 * time.Second)
	default:
		if err := cli.MouseHide(); err != nil {
			return ErrorRes{Err: newError(KindProtocol, "%v", err)}
		}
	}
	return DoneRes{}
}

// Stop tears down every configured console, idempotently.
func (s *Service) Stop() {
	s.mu.Lock()
	serial, ssh, vncCli, writer := s.serial, s.ssh, s.vncCli, s.writer
	s.serial, s.ssh, s.vncCli, s.writer = nil, nil, nil, nil
	s.mu.Unlock()
	stopConsoles(serial, ssh, vncCli, writer)
}
