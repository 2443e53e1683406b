//go:build darwin || linux

// Runtime bindings to libgstreamer-1.0 and libgobject-2.0 using purego.
// The libraries are loaded on first use; when they are absent the
// GStreamer engine is simply unavailable and callers can fall back to
// the native engine.

package udpstream

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	gstOnce    sync.Once
	gstLoadErr error
)

// libgstreamer-1.0 function pointers
var (
	gstInit                func(argc, argv uintptr)
	gstPipelineNew         func(name string) uintptr
	gstElementFactoryMake  func(factory, name string) uintptr
	gstBinAdd              func(bin, element uintptr) int32
	gstElementLink         func(src, dest uintptr) int32
	gstElementSetState     func(element uintptr, state int32) int32
	gstElementGetBus       func(element uintptr) uintptr
	gstElementGetStaticPad func(element uintptr, name string) uintptr
	gstPadLink             func(srcPad, sinkPad uintptr) int32
	gstPadGetName          func(pad uintptr) uintptr
	gstBusTimedPopFiltered func(bus uintptr, timeout uint64, types int32) uintptr
	gstMessageParseError   func(msg, gerror, debug uintptr)
	gstMessageParseState   func(msg, oldState, newState, pending uintptr)
	gstMiniObjectUnref     func(obj uintptr)
	gstObjectUnref         func(obj uintptr)
	gstObjectGetName       func(obj uintptr) uintptr
	gstCapsFromString      func(caps string) uintptr
	gstCapsGetType         func() uintptr
	gstVersionString       func() uintptr
)

// libgobject-2.0 / libglib-2.0 function pointers
var (
	gObjectSetProperty func(obj uintptr, name string, value uintptr)
	gSignalConnectData func(obj uintptr, signal string, handler, data, destroyData uintptr, flags int32) uint64
	gValueInit         func(value, gtype uintptr) uintptr
	gValueUnset        func(value uintptr)
	gValueSetInt       func(value uintptr, v int32)
	gValueSetBoolean   func(value uintptr, v int32)
	gValueSetString    func(value uintptr, s string)
	gValueTakeBoxed    func(value, boxed uintptr)
	gFree              func(ptr uintptr)
	gErrorFree         func(err uintptr)
)

// GStreamer constants (gstelement.h, gstmessage.h).
const (
	gstStateNull    = 1
	gstStateReady   = 2
	gstStatePaused  = 3
	gstStatePlaying = 4

	gstStateChangeFailure = 0

	gstMessageMaskEOS          = 1 << 0
	gstMessageMaskError        = 1 << 1
	gstMessageMaskStateChanged = 1 << 6

	gstPadLinkOK = 0
)

// Field offsets into the public GstMessage struct on 64-bit platforms:
// a 64-byte GstMiniObject header, then type, padding, timestamp, src.
const (
	gstMessageTypeOffset = 64
	gstMessageSrcOffset  = 80
)

// gValue mirrors GValue: a GType slot plus two data words.
type gValue struct {
	gtype uintptr
	data  [2]uint64
}

// GType fundamental numbers (gtype.h: type id << 2).
const (
	gTypeBoolean = 5 << 2
	gTypeInt     = 6 << 2
	gTypeString  = 16 << 2
)

func loadGStreamer() error {
	gstOnce.Do(func() {
		gstLoadErr = loadGStreamerLibs()
		if gstLoadErr == nil {
			gstInit(0, 0)
		}
	})
	return gstLoadErr
}

func loadGStreamerLibs() error {
	gobjectHandle, err := dlopenFirst(gstLibCandidates("libgobject-2.0"))
	if err != nil {
		return fmt.Errorf("load libgobject-2.0: %w", err)
	}
	gstHandle, err := dlopenFirst(gstLibCandidates("libgstreamer-1.0"))
	if err != nil {
		return fmt.Errorf("load libgstreamer-1.0: %w", err)
	}

	purego.RegisterLibFunc(&gstInit, gstHandle, "gst_init")
	purego.RegisterLibFunc(&gstPipelineNew, gstHandle, "gst_pipeline_new")
	purego.RegisterLibFunc(&gstElementFactoryMake, gstHandle, "gst_element_factory_make")
	purego.RegisterLibFunc(&gstBinAdd, gstHandle, "gst_bin_add")
	purego.RegisterLibFunc(&gstElementLink, gstHandle, "gst_element_link")
	purego.RegisterLibFunc(&gstElementSetState, gstHandle, "gst_element_set_state")
	purego.RegisterLibFunc(&gstElementGetBus, gstHandle, "gst_element_get_bus")
	purego.RegisterLibFunc(&gstElementGetStaticPad, gstHandle, "gst_element_get_static_pad")
	purego.RegisterLibFunc(&gstPadLink, gstHandle, "gst_pad_link")
	purego.RegisterLibFunc(&gstPadGetName, gstHandle, "gst_pad_get_name")
	purego.RegisterLibFunc(&gstBusTimedPopFiltered, gstHandle, "gst_bus_timed_pop_filtered")
	purego.RegisterLibFunc(&gstMessageParseError, gstHandle, "gst_message_parse_error")
	purego.RegisterLibFunc(&gstMessageParseState, gstHandle, "gst_message_parse_state_changed")
	purego.RegisterLibFunc(&gstMiniObjectUnref, gstHandle, "gst_mini_object_unref")
	purego.RegisterLibFunc(&gstObjectUnref, gstHandle, "gst_object_unref")
	purego.RegisterLibFunc(&gstObjectGetName, gstHandle, "gst_object_get_name")
	purego.RegisterLibFunc(&gstCapsFromString, gstHandle, "gst_caps_from_string")
	purego.RegisterLibFunc(&gstCapsGetType, gstHandle, "gst_caps_get_type")
	purego.RegisterLibFunc(&gstVersionString, gstHandle, "gst_version_string")

	purego.RegisterLibFunc(&gObjectSetProperty, gobjectHandle, "g_object_set_property")
	purego.RegisterLibFunc(&gSignalConnectData, gobjectHandle, "g_signal_connect_data")
	purego.RegisterLibFunc(&gValueInit, gobjectHandle, "g_value_init")
	purego.RegisterLibFunc(&gValueUnset, gobjectHandle, "g_value_unset")
	purego.RegisterLibFunc(&gValueSetInt, gobjectHandle, "g_value_set_int")
	purego.RegisterLibFunc(&gValueSetBoolean, gobjectHandle, "g_value_set_boolean")
	purego.RegisterLibFunc(&gValueSetString, gobjectHandle, "g_value_set_string")
	purego.RegisterLibFunc(&gValueTakeBoxed, gobjectHandle, "g_value_take_boxed")
	purego.RegisterLibFunc(&gFree, gobjectHandle, "g_free")
	purego.RegisterLibFunc(&gErrorFree, gobjectHandle, "g_error_free")

	return nil
}

func dlopenFirst(paths []string) (uintptr, error) {
	var lastErr error
	for _, path := range paths {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			return handle, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return 0, lastErr
	}
	return 0, errors.New("no candidate library paths")
}

// gstLibCandidates lists the load paths tried for a library stem, most
// specific first. GST_LIB_PATH overrides the search the same way the
// codec wrappers honor their own path variable.
func gstLibCandidates(stem string) []string {
	var names []string
	if runtime.GOOS == "darwin" {
		names = []string{stem + ".0.dylib", stem + ".dylib"}
	} else {
		names = []string{stem + ".so.0", stem + ".so"}
	}

	var paths []string
	if dir := os.Getenv("GST_LIB_PATH"); dir != "" {
		for _, n := range names {
			paths = append(paths, filepath.Join(dir, n))
		}
	}
	var dirs []string
	if runtime.GOOS == "darwin" {
		dirs = []string{"/opt/homebrew/lib", "/usr/local/lib"}
	}
	for _, d := range dirs {
		for _, n := range names {
			paths = append(paths, filepath.Join(d, n))
		}
	}
	// Bare names last so the system loader search path applies.
	paths = append(paths, names...)
	return paths
}

// goStringFromPtr converts a C string pointer to a Go string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	var length int
	for {
		if *(*byte)(unsafe.Pointer(uintptr(p) + uintptr(length))) == 0 {
			break
		}
		length++
		if length > 4096 { // Safety limit
			break
		}
	}
	if length == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(p), length))
}

// gstObjectName copies and frees the name of a GstObject.
func gstObjectName(obj uintptr) string {
	if obj == 0 {
		return ""
	}
	ptr := gstObjectGetName(obj)
	if ptr == 0 {
		return ""
	}
	name := goStringFromPtr(ptr)
	gFree(ptr)
	return name
}

// gstSetProperty writes one property through the GValue machinery.
// String values on a "caps" property are parsed into a caps structure
// first, which is what capsfilter expects.
func gstSetProperty(obj uintptr, name string, value any) error {
	var v gValue
	vptr := uintptr(unsafe.Pointer(&v))

	switch val := value.(type) {
	case int:
		gValueInit(vptr, gTypeInt)
		gValueSetInt(vptr, int32(val))
	case bool:
		gValueInit(vptr, gTypeBoolean)
		b := int32(0)
		if val {
			b = 1
		}
		gValueSetBoolean(vptr, b)
	case string:
		if name == "caps" {
			caps := gstCapsFromString(val)
			if caps == 0 {
				return fmt.Errorf("invalid caps %q", val)
			}
			gValueInit(vptr, gstCapsGetType())
			gValueTakeBoxed(vptr, caps)
		} else {
			gValueInit(vptr, gTypeString)
			gValueSetString(vptr, val)
		}
	default:
		return fmt.Errorf("unsupported property type %T for %q", value, name)
	}

	gObjectSetProperty(obj, name, vptr)
	gValueUnset(vptr)
	runtime.KeepAlive(&v)
	return nil
}

func gstMessageType(msg uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(msg + gstMessageTypeOffset))
}

func gstMessageSrc(msg uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(msg + gstMessageSrcOffset))
}

// gError mirrors GError.
type gError struct {
	domain  uint32
	code    int32
	message uintptr
}

// parseErrorMessage extracts the error text from an error bus message.
func parseErrorMessage(msg uintptr) string {
	var errPtr, dbgPtr uintptr
	gstMessageParseError(msg,
		uintptr(unsafe.Pointer(&errPtr)),
		uintptr(unsafe.Pointer(&dbgPtr)))
	text := ""
	if errPtr != 0 {
		ge := (*gError)(unsafe.Pointer(errPtr))
		text = goStringFromPtr(ge.message)
		gErrorFree(errPtr)
	}
	if dbgPtr != 0 {
		gFree(dbgPtr)
	}
	return text
}

// parseStateChanged extracts old and new states from a state-changed bus
// message.
func parseStateChanged(msg uintptr) (old, newState State) {
	var o, n, pending int32
	gstMessageParseState(msg,
		uintptr(unsafe.Pointer(&o)),
		uintptr(unsafe.Pointer(&n)),
		uintptr(unsafe.Pointer(&pending)))
	return stateFromGst(o), stateFromGst(n)
}

func gstStateOf(s State) int32 {
	switch s {
	case StateReady:
		return gstStateReady
	case StatePaused:
		return gstStatePaused
	case StatePlaying:
		return gstStatePlaying
	default:
		return gstStateNull
	}
}

func stateFromGst(s int32) State {
	switch s {
	case gstStateReady:
		return StateReady
	case gstStatePaused:
		return StatePaused
	case gstStatePlaying:
		return StatePlaying
	default:
		return StateNull
	}
}

// Pad-added signal plumbing: a single C callback trampoline dispatches to
// per-element Go handlers by handle.
var (
	gstHandlersMu     sync.Mutex
	gstPadHandlers    = make(map[uintptr]func(pad uintptr))
	gstHandlerSeq     uintptr
	gstPadTrampoline  uintptr
	gstTrampolineOnce sync.Once
)

func gstPadAddedTrampoline() uintptr {
	gstTrampolineOnce.Do(func() {
		gstPadTrampoline = purego.NewCallback(func(element, pad, data uintptr) uintptr {
			gstHandlersMu.Lock()
			fn := gstPadHandlers[data]
			gstHandlersMu.Unlock()
			if fn != nil {
				fn(pad)
			}
			return 0
		})
	})
	return gstPadTrampoline
}

func registerPadHandler(fn func(pad uintptr)) uintptr {
	gstHandlersMu.Lock()
	defer gstHandlersMu.Unlock()
	gstHandlerSeq++
	gstPadHandlers[gstHandlerSeq] = fn
	return gstHandlerSeq
}
