package transform

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

// setupConsoleBindings routes console.* calls from scripts to the logger.
func (t *Transformer) setupConsoleBindings(vm *goja.Runtime) error {
	consoleObj := vm.NewObject()

	formatArgs := func(call goja.FunctionCall) string {
		args := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		return fmt.Sprint(args...)
	}

	bindings := map[string]func(args ...interface{}){
		"log":   t.logger.Info,
		"info":  t.logger.Info,
		"warn":  t.logger.Warn,
		"error": t.logger.Error,
		"debug": t.logger.Debug,
	}
	for name, logFn := range bindings {
		logFn := logFn
		fn := func(call goja.FunctionCall) goja.Value {
			logFn(formatArgs(call))
			return goja.Undefined()
		}
		if err := consoleObj.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set console.%s: %w", name, err)
		}
	}

	if err := vm.Set("console", consoleObj); err != nil {
		return fmt.Errorf("failed to set console object: %w", err)
	}
	return nil
}

// exportBytes turns a script value into a message payload: strings as-is,
// anything else as JSON.
func exportBytes(vm *goja.Runtime, fn string, arg goja.Value) []byte {
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		panic(vm.NewTypeError("%s: value is required", fn))
	}

	switch v := arg.Export().(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			panic(vm.NewTypeError("%s: failed to marshal value: %v", fn, err))
		}
		return data
	}
}

// setupNATSBindings exposes nats.publish and nats.kv.{get,put,delete}.
func (t *Transformer) setupNATSBindings(vm *goja.Runtime) error {
	natsObj := vm.NewObject()

	publishFn := func(call goja.FunctionCall) goja.Value {
		subject := call.Argument(0).String()
		if subject == "" {
			panic(vm.NewTypeError("nats.publish: subject is required"))
		}
		data := exportBytes(vm, "nats.publish", call.Argument(1))

		if err := t.natsConn.Publish(subject, data); err != nil {
			t.logger.Errorf("NATS publish error: %v", err)
			panic(vm.NewGoError(err))
		}
		t.logger.Debugf("Published to NATS subject: %s", subject)
		return goja.Undefined()
	}
	if err := natsObj.Set("publish", publishFn); err != nil {
		return fmt.Errorf("failed to set publish function: %w", err)
	}

	getKVStore := func(bucket string) (nats.KeyValue, error) {
		js, err := t.natsConn.JetStream()
		if err != nil {
			return nil, fmt.Errorf("failed to get JetStream context: %w", err)
		}
		kv, err := js.KeyValue(bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to get KV store '%s': %w", bucket, err)
		}
		return kv, nil
	}

	bucketAndKey := func(fn string, call goja.FunctionCall) nats.KeyValue {
		bucket := call.Argument(0).String()
		key := call.Argument(1).String()
		if bucket == "" || key == "" {
			panic(vm.NewTypeError("%s: bucket and key are required", fn))
		}
		kv, err := getKVStore(bucket)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return kv
	}

	kvObj := vm.NewObject()

	kvGetFn := func(call goja.FunctionCall) goja.Value {
		kv := bucketAndKey("nats.kv.get", call)
		entry, err := kv.Get(call.Argument(1).String())
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				return goja.Null()
			}
			t.logger.Errorf("KV get error: %v", err)
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(string(entry.Value()))
	}

	kvPutFn := func(call goja.FunctionCall) goja.Value {
		kv := bucketAndKey("nats.kv.put", call)
		key := call.Argument(1).String()
		value := exportBytes(vm, "nats.kv.put", call.Argument(2))
		if _, err := kv.Put(key, value); err != nil {
			t.logger.Errorf("KV put error: %v", err)
			panic(vm.NewGoError(err))
		}
		t.logger.Debugf("Put to KV store key '%s'", key)
		return goja.Undefined()
	}

	kvDeleteFn := func(call goja.FunctionCall) goja.Value {
		kv := bucketAndKey("nats.kv.delete", call)
		key := call.Argument(1).String()
		if err := kv.Delete(key); err != nil {
			t.logger.Errorf("KV delete error: %v", err)
			panic(vm.NewGoError(err))
		}
		t.logger.Debugf("Deleted from KV store key '%s'", key)
		return goja.Undefined()
	}

	if err := kvObj.Set("get", kvGetFn); err != nil {
		return fmt.Errorf("failed to set KV get function: %w", err)
	}
	if err := kvObj.Set("put", kvPutFn); err != nil {
		return fmt.Errorf("failed to set KV put function: %w", err)
	}
	if err := kvObj.Set("delete", kvDeleteFn); err != nil {
		return fmt.Errorf("failed to set KV delete function: %w", err)
	}
	if err := natsObj.Set("kv", kvObj); err != nil {
		return fmt.Errorf("failed to set KV object: %w", err)
	}

	if err := vm.Set("nats", natsObj); err != nil {
		return fmt.Errorf("failed to set nats object: %w", err)
	}
	return nil
}
