// Package ort is a minimal Go binding for the ONNX Runtime C API, covering
// what loopgen needs: loading exported codec and token-model graphs and
// running float32 and int64 tensors through them.
//
// One [Env] is created per process. A [Session] holds one loaded graph;
// Session.Run is thread-safe (onnxruntime locks internally), but loopgen
// additionally serializes model calls at the serving layer. Tensors own C
// memory and must be closed.
//
// ONNX Runtime is linked dynamically; point CGO_CFLAGS/CGO_LDFLAGS at an
// onnxruntime installation when building with this package.
package ort

/*
#cgo LDFLAGS: -lonnxruntime
#include <onnxruntime_c_api.h>
#include <stdlib.h>

static const OrtApi* ort_api() {
    return OrtGetApiBase()->GetApi(ORT_API_VERSION);
}

static OrtStatus* ort_create_env(const OrtApi* api, const char* name, OrtEnv** out) {
    return api->CreateEnv(ORT_LOGGING_LEVEL_WARNING, name, out);
}

static OrtStatus* ort_create_session(const OrtApi* api, OrtEnv* env,
    const void* data, size_t len, OrtSession** out) {
    OrtSessionOptions* opts;
    OrtStatus* status = api->CreateSessionOptions(&opts);
    if (status) return status;
    status = api->CreateSessionFromArray(env, data, len, opts, out);
    api->ReleaseSessionOptions(opts);
    return status;
}

static OrtStatus* ort_cpu_memory_info(const OrtApi* api, OrtMemoryInfo** out) {
    return api->CreateCpuMemoryInfo(OrtArenaAllocator, OrtMemTypeDefault, out);
}

static OrtStatus* ort_create_tensor(const OrtApi* api, OrtMemoryInfo* info,
    void* data, size_t byte_len, int64_t* shape, size_t ndim,
    ONNXTensorElementDataType dtype, OrtValue** out) {
    return api->CreateTensorWithDataAsOrtValue(info, data, byte_len,
        shape, ndim, dtype, out);
}

static OrtStatus* ort_run(const OrtApi* api, OrtSession* session,
    const char** in_names, const OrtValue* const* ins, size_t n_in,
    const char** out_names, size_t n_out, OrtValue** outs) {
    return api->Run(session, NULL, in_names, ins, n_in, out_names, n_out, outs);
}

static OrtStatus* ort_tensor_data(const OrtApi* api, OrtValue* v, void** out) {
    return api->GetTensorMutableData(v, out);
}

static OrtStatus* ort_tensor_shape(const OrtApi* api, OrtValue* v,
    int64_t* shape, size_t cap, size_t* ndim) {
    OrtTensorTypeAndShapeInfo* info;
    OrtStatus* status = api->GetTensorTypeAndShape(v, &info);
    if (status) return status;
    status = api->GetDimensionsCount(info, ndim);
    if (!status && *ndim <= cap) {
        status = api->GetDimensions(info, shape, *ndim);
    }
    api->ReleaseTensorTypeAndShapeInfo(info);
    return status;
}

static const char* ort_error_message(const OrtApi* api, OrtStatus* s) {
    return api->GetErrorMessage(s);
}
static void ort_release_status(const OrtApi* api, OrtStatus* s) { api->ReleaseStatus(s); }
static void ort_release_env(const OrtApi* api, OrtEnv* e) { api->ReleaseEnv(e); }
static void ort_release_session(const OrtApi* api, OrtSession* s) { api->ReleaseSession(s); }
static void ort_release_memory_info(const OrtApi* api, OrtMemoryInfo* i) { api->ReleaseMemoryInfo(i); }
static void ort_release_value(const OrtApi* api, OrtValue* v) { api->ReleaseValue(v); }
*/
import "C"

import (
	"fmt"
	"runtime"
	"unsafe"
)

func api() *C.OrtApi { return C.ort_api() }

func checkStatus(status *C.OrtStatus) error {
	if status == nil {
		return nil
	}
	msg := C.GoString(C.ort_error_message(api(), status))
	C.ort_release_status(api(), status)
	return fmt.Errorf("ort: %s", msg)
}

// Env is the ONNX Runtime environment. Create one per process.
type Env struct {
	env *C.OrtEnv
}

// NewEnv creates the runtime environment.
func NewEnv(name string) (*Env, error) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	var env *C.OrtEnv
	if err := checkStatus(C.ort_create_env(api(), cName, &env)); err != nil {
		return nil, err
	}
	e := &Env{env: env}
	runtime.SetFinalizer(e, (*Env).Close)
	return e, nil
}

// Close releases the environment.
func (e *Env) Close() error {
	if e.env != nil {
		C.ort_release_env(api(), e.env)
		e.env = nil
		runtime.SetFinalizer(e, nil)
	}
	return nil
}

// NewSession loads a graph from in-memory ONNX model data.
func (e *Env) NewSession(modelData []byte) (*Session, error) {
	if len(modelData) == 0 {
		return nil, fmt.Errorf("ort: empty model data")
	}
	var session *C.OrtSession
	if err := checkStatus(C.ort_create_session(
		api(), e.env,
		unsafe.Pointer(&modelData[0]), C.size_t(len(modelData)),
		&session,
	)); err != nil {
		return nil, err
	}
	s := &Session{session: session, pinned: modelData}
	runtime.SetFinalizer(s, (*Session).Close)
	return s, nil
}

// Session holds one loaded graph.
type Session struct {
	session *C.OrtSession
	pinned  any // keeps model bytes reachable for the session's lifetime
}

// Close releases the session.
func (s *Session) Close() error {
	if s.session != nil {
		C.ort_release_session(api(), s.session)
		s.session = nil
		s.pinned = nil
		runtime.SetFinalizer(s, nil)
	}
	return nil
}

// Run executes the graph. The caller must close the returned tensors.
func (s *Session) Run(inputNames []string, inputs []*Tensor, outputNames []string) ([]*Tensor, error) {
	if len(inputNames) != len(inputs) {
		return nil, fmt.Errorf("ort: %d input names for %d tensors", len(inputNames), len(inputs))
	}
	if len(inputs) == 0 || len(outputNames) == 0 {
		return nil, fmt.Errorf("ort: empty inputs or outputs")
	}

	cIn := make([]*C.char, len(inputNames))
	for i, name := range inputNames {
		cIn[i] = C.CString(name)
		defer C.free(unsafe.Pointer(cIn[i]))
	}
	cOut := make([]*C.char, len(outputNames))
	for i, name := range outputNames {
		cOut[i] = C.CString(name)
		defer C.free(unsafe.Pointer(cOut[i]))
	}

	cVals := make([]*C.OrtValue, len(inputs))
	for i, t := range inputs {
		cVals[i] = t.value
	}
	outs := make([]*C.OrtValue, len(outputNames))

	if err := checkStatus(C.ort_run(api(), s.session,
		&cIn[0], &cVals[0], C.size_t(len(inputs)),
		&cOut[0], C.size_t(len(outputNames)), &outs[0],
	)); err != nil {
		return nil, err
	}

	tensors := make([]*Tensor, len(outs))
	for i, v := range outs {
		tensors[i] = wrapValue(v)
	}
	// Inputs pin Go slices; keep them alive across the C call.
	runtime.KeepAlive(inputs)
	return tensors, nil
}

// Tensor is an N-dimensional tensor backed by C memory (outputs) or a
// pinned Go slice (inputs).
type Tensor struct {
	value  *C.OrtValue
	pinned any
}

func wrapValue(v *C.OrtValue) *Tensor {
	t := &Tensor{value: v}
	runtime.SetFinalizer(t, (*Tensor).Close)
	return t
}

// Close releases the tensor.
func (t *Tensor) Close() error {
	if t.value != nil {
		C.ort_release_value(api(), t.value)
		t.value = nil
		t.pinned = nil
		runtime.SetFinalizer(t, nil)
	}
	return nil
}

// NewFloatTensor creates a float32 tensor over data with the given shape.
// data must stay unmodified while the tensor is in use.
func NewFloatTensor(shape []int64, data []float32) (*Tensor, error) {
	return newTensor(shape, unsafe.Pointer(&data[0]), len(data)*4, len(data),
		C.ONNX_TENSOR_ELEMENT_DATA_TYPE_FLOAT, data)
}

// NewInt64Tensor creates an int64 tensor over data with the given shape.
func NewInt64Tensor(shape []int64, data []int64) (*Tensor, error) {
	return newTensor(shape, unsafe.Pointer(&data[0]), len(data)*8, len(data),
		C.ONNX_TENSOR_ELEMENT_DATA_TYPE_INT64, data)
}

func newTensor(shape []int64, data unsafe.Pointer, byteLen, n int, dtype C.ONNXTensorElementDataType, pin any) (*Tensor, error) {
	want := int64(1)
	for _, d := range shape {
		want *= d
	}
	if want != int64(n) {
		return nil, fmt.Errorf("ort: shape %v wants %d elements, data has %d", shape, want, n)
	}

	var info *C.OrtMemoryInfo
	if err := checkStatus(C.ort_cpu_memory_info(api(), &info)); err != nil {
		return nil, err
	}
	defer C.ort_release_memory_info(api(), info)

	var value *C.OrtValue
	if err := checkStatus(C.ort_create_tensor(
		api(), info, data, C.size_t(byteLen),
		(*C.int64_t)(unsafe.Pointer(&shape[0])), C.size_t(len(shape)),
		dtype, &value,
	)); err != nil {
		return nil, err
	}

	t := &Tensor{value: value, pinned: pin}
	runtime.SetFinalizer(t, (*Tensor).Close)
	return t, nil
}

// Shape returns the tensor's dimensions.
func (t *Tensor) Shape() ([]int64, error) {
	shape := make([]int64, 8)
	var ndim C.size_t
	if err := checkStatus(C.ort_tensor_shape(api(), t.value,
		(*C.int64_t)(unsafe.Pointer(&shape[0])), C.size_t(len(shape)), &ndim,
	)); err != nil {
		return nil, err
	}
	return shape[:ndim], nil
}

// Floats copies the tensor's float32 contents out.
func (t *Tensor) Floats() ([]float32, error) {
	n, err := t.numElements()
	if err != nil {
		return nil, err
	}
	var data unsafe.Pointer
	if err := checkStatus(C.ort_tensor_data(api(), t.value, &data)); err != nil {
		return nil, err
	}
	out := make([]float32, n)
	copy(out, unsafe.Slice((*float32)(data), n))
	runtime.KeepAlive(t)
	return out, nil
}

// Int64s copies the tensor's int64 contents out.
func (t *Tensor) Int64s() ([]int64, error) {
	n, err := t.numElements()
	if err != nil {
		return nil, err
	}
	var data unsafe.Pointer
	if err := checkStatus(C.ort_tensor_data(api(), t.value, &data)); err != nil {
		return nil, err
	}
	out := make([]int64, n)
	copy(out, unsafe.Slice((*int64)(data), n))
	runtime.KeepAlive(t)
	return out, nil
}

func (t *Tensor) numElements() (int, error) {
	shape, err := t.Shape()
	if err != nil {
		return 0, err
	}
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n, nil
}
