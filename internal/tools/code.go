package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/plugins"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// CodeExecuteCommand is the command registered by the code interpreter.
const CodeExecuteCommand = "code_execute"

// CodeInterpreterConfig configures local code execution.
type CodeInterpreterConfig struct {
	// Interpreter is the executable code is piped to (default: python3).
	Interpreter string `yaml:"interpreter"`

	// WorkDir is the working directory (default: current directory).
	WorkDir string `yaml:"work_dir"`

	// Timeout bounds one run (default: 30s).
	Timeout time.Duration `yaml:"timeout"`

	// MaxOutputBytes truncates captured output (default: 64KB).
	MaxOutputBytes int `yaml:"max_output_bytes"`
}

// CodeParams are the params of the code_execute command.
type CodeParams struct {
	Code string `json:"code" jsonschema:"required,description=Source code to execute. Print anything you need to see."`
}

var (
	codeSchemaOnce sync.Once
	codeSchema     string
)

// CodeParamsSchema returns the JSON schema of CodeParams.
func CodeParamsSchema() string {
	codeSchemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			Anonymous:                 true,
			DoNotReference:            true,
			ExpandedStruct:            true,
			AllowAdditionalProperties: true,
		}
		schema := r.Reflect(&CodeParams{})
		schema.Version = ""
		data, err := json.Marshal(schema)
		if err != nil {
			codeSchema = `{"type":"object","properties":{"code":{"type":"string"}},"required":["code"]}`
			return
		}
		codeSchema = string(data)
	})
	return codeSchema
}

// CodeInterpreter runs model-written code in a local subprocess.
type CodeInterpreter struct {
	interpreter    string
	workDir        string
	timeout        time.Duration
	maxOutputBytes int
}

// NewCodeInterpreter applies defaults to cfg.
func NewCodeInterpreter(cfg CodeInterpreterConfig) *CodeInterpreter {
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	if cfg.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			wd = "."
		}
		cfg.WorkDir = wd
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 64 * 1024
	}
	return &CodeInterpreter{
		interpreter:    cfg.Interpreter,
		workDir:        cfg.WorkDir,
		timeout:        cfg.Timeout,
		maxOutputBytes: cfg.MaxOutputBytes,
	}
}

// Plugin returns the plugin definition registering code_execute.
func (c *CodeInterpreter) Plugin() *plugins.PluginDefinition {
	return &plugins.PluginDefinition{
		ID:          "code_interpreter",
		Name:        "Code Interpreter",
		Description: "Executes code in a local interpreter",
		Register: func(api *plugins.PluginAPI) error {
			return api.RegisterCommand(plugins.CommandDefinition{
				Name:        CodeExecuteCommand,
				Description: "Execute code with " + c.interpreter + " and return its output",
				Params:      CodeParamsSchema(),
				Handler:     c.handle,
				Timeout:     c.timeout + 5*time.Second,
			})
		},
	}
}

func (c *CodeInterpreter) handle(ctx context.Context, item *models.CtxItem, params map[string]any) (any, error) {
	code, _ := params["code"].(string)
	if strings.TrimSpace(code) == "" {
		return nil, errors.New("code is required")
	}

	output, runErr := c.Run(ctx, code)
	result := output
	if runErr != nil {
		result = strings.TrimSpace(output + "\n" + runErr.Error())
	}
	return map[string]any{
		"plugin": "code_interpreter",
		"code": map[string]any{
			"input":  map[string]any{"lang": c.language(), "content": code},
			"output": map[string]any{"lang": "text", "content": output},
		},
		"result": result,
	}, nil
}

func (c *CodeInterpreter) language() string {
	name := c.interpreter
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimRight(name, "0123456789.")
}

// Run pipes code to the interpreter and returns combined output. A
// non-zero exit is reported as an error alongside the output.
func (c *CodeInterpreter) Run(ctx context.Context, code string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.interpreter, "-")
	cmd.Dir = c.workDir
	cmd.Stdin = strings.NewReader(code)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	// children may hold the output pipe after the interpreter is killed
	cmd.WaitDelay = 500 * time.Millisecond

	err := cmd.Run()
	text := out.String()
	if len(text) > c.maxOutputBytes {
		text = text[:c.maxOutputBytes] + "\n[output truncated]"
	}
	if ctx.Err() != nil {
		return text, fmt.Errorf("code execution timed out after %s", c.timeout)
	}
	if err != nil {
		return text, fmt.Errorf("code execution failed: %w", err)
	}
	return text, nil
}
