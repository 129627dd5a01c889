package classify

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemsg/internal/device"
)

// LuaFunction is the global a classification script must define:
//
//	function classify(char_uuid, data)
//	    if char_uuid == "2a37" then return "hex" end
//	    return nil -- defer to the fallback policy
//	end
//
// char_uuid is normalized (lowercase, short form for SIG UUIDs) and data is the raw
// payload as a Lua string. Returning anything other than "text" or "hex" defers.
const LuaFunction = "classify"

// ErrScript is returned when a classification script cannot be loaded.
var ErrScript = errors.New("classification script error")

// LuaPolicy runs a user script to classify payloads. The Lua state is not safe for
// concurrent use, so calls are serialized.
type LuaPolicy struct {
	mu       sync.Mutex
	state    *lua.State
	fallback Policy
	logger   *logrus.Logger
}

// NewLuaPolicy loads script and verifies it defines the classify function.
// A nil fallback means Printable.
func NewLuaPolicy(script string, fallback Policy, logger *logrus.Logger) (*LuaPolicy, error) {
	if strings.TrimSpace(script) == "" {
		return nil, fmt.Errorf("%w: empty script", ErrScript)
	}
	if fallback == nil {
		fallback = Printable
	}
	if logger == nil {
		logger = logrus.New()
	}

	L := lua.NewState()
	L.OpenLibs()

	if err := L.DoString(script); err != nil {
		L.Close()
		return nil, fmt.Errorf("%w: %v", ErrScript, err)
	}

	L.GetGlobal(LuaFunction)
	defined := L.IsFunction(-1)
	L.Pop(1)
	if !defined {
		L.Close()
		return nil, fmt.Errorf("%w: function %s is not defined", ErrScript, LuaFunction)
	}

	return &LuaPolicy{state: L, fallback: fallback, logger: logger}, nil
}

// LoadLuaPolicy reads a script file and builds a LuaPolicy from it.
func LoadLuaPolicy(path string, fallback Policy, logger *logrus.Logger) (*LuaPolicy, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read classification script %s: %w", path, err)
	}
	return NewLuaPolicy(string(content), fallback, logger)
}

func (p *LuaPolicy) Classify(charUUID string, data []byte) Kind {
	verdict, err := p.call(charUUID, data)
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"char_uuid": charUUID,
			"error":     err,
		}).Warn("Classification script failed, using fallback")
		return p.fallback.Classify(charUUID, data)
	}

	switch verdict {
	case "text":
		return Text
	case "hex":
		return Hex
	default:
		return p.fallback.Classify(charUUID, data)
	}
}

func (p *LuaPolicy) call(charUUID string, data []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == nil {
		return "", fmt.Errorf("%w: policy closed", ErrScript)
	}

	L := p.state
	top := L.GetTop()
	defer L.SetTop(top)

	L.GetGlobal(LuaFunction)
	L.PushString(device.NormalizeUUID(charUUID))
	L.PushString(string(data))
	if err := L.Call(2, 1); err != nil {
		return "", err
	}

	if !L.IsString(-1) {
		return "", nil
	}
	return strings.ToLower(L.ToString(-1)), nil
}

// Close releases the Lua state. Classify falls back after Close.
func (p *LuaPolicy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != nil {
		p.state.Close()
		p.state = nil
	}
}
