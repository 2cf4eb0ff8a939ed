package service

import (
	"fmt"
	"os"
	"sync"

	"github.com/dop251/goja"
	"github.com/user/ucr/internal/models"
)

// customRouter runs a user-supplied JavaScript routing hook. The script
// must evaluate to (or export via module.exports) a function
// (request, context) => providerId, where context carries the enabled
// provider list, the classified task type and the token estimate.
type customRouter struct {
	mu sync.Mutex
	vm *goja.Runtime
	fn goja.Callable
}

// loadCustomRouter compiles the script once; routing calls reuse the VM.
func loadCustomRouter(path string) (*customRouter, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing script: %w", err)
	}

	vm := goja.New()
	module := vm.NewObject()
	exports := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("init module object: %w", err)
	}
	if err := vm.Set("module", module); err != nil {
		return nil, fmt.Errorf("init module object: %w", err)
	}

	value, err := vm.RunScript(path, string(src))
	if err != nil {
		return nil, fmt.Errorf("evaluate routing script: %w", err)
	}

	// Prefer module.exports when the script assigned it.
	if exported := module.Get("exports"); exported != nil {
		if fn, ok := goja.AssertFunction(exported); ok {
			return &customRouter{vm: vm, fn: fn}, nil
		}
	}
	if fn, ok := goja.AssertFunction(value); ok {
		return &customRouter{vm: vm, fn: fn}, nil
	}
	return nil, fmt.Errorf("routing script does not evaluate to a function")
}

// route invokes the hook. The goja runtime is not safe for concurrent
// use, so calls serialize on the mutex.
func (c *customRouter) route(req *models.CanonicalRequest, providers []*models.Provider, task models.TaskType, tokens int) (id string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("routing script panicked: %v", r)
		}
	}()

	ids := make([]string, len(providers))
	for i, p := range providers {
		ids[i] = p.ID
	}
	ctx := map[string]any{
		"providers":  ids,
		"taskType":   string(task),
		"tokenCount": tokens,
	}

	result, err := c.fn(goja.Undefined(), c.vm.ToValue(req), c.vm.ToValue(ctx))
	if err != nil {
		return "", fmt.Errorf("routing script failed: %w", err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return "", nil
	}
	return result.String(), nil
}
