package endpoint

import (
	"fmt"

	"github.com/kp-forks/tvm/codec"
	"github.com/kp-forks/tvm/protocol"
	"github.com/kp-forks/tvm/session"
)

// Syscalls are built-in request/response exchanges: decode the packed
// arguments, run one session or device operation, answer with a single-value
// Return packet. Argument-shape mistakes and device errors travel back as
// exceptions; only undecodable packets poison the endpoint.

func (h *handler) handleSyscall(code protocol.Code) error {
	args, err := h.dec.ReadSeq()
	if err != nil {
		return err
	}
	sess, err := h.servingSession()
	if err != nil {
		return err
	}

	// StreamSync may genuinely block on device work, so it goes through the
	// async-callback path like calls and copies do.
	if code == protocol.CodeDevStreamSync {
		return h.handleStreamSync(sess, args)
	}

	rv, sysErr := dispatchSyscall(code, sess, args)
	if sysErr != nil {
		if err := h.returnException(sysErr.Error()); err != nil {
			return err
		}
	} else {
		if err := h.returnPackedSeq([]codec.Value{rv}); err != nil {
			return err
		}
	}
	return h.switchToState(stRecvPacketNumBytes)
}

func (h *handler) handleStreamSync(sess session.Session, args []codec.Value) error {
	dev, err := argDevice(args, 0)
	if err == nil {
		_, err = argHandle(args, 1)
	}
	if err != nil {
		if werr := h.returnException(err.Error()); werr != nil {
			return werr
		}
		return h.switchToState(stRecvPacketNumBytes)
	}
	stream := args[1].Handle
	if err := h.switchToState(stWaitForAsyncCallback); err != nil {
		return err
	}
	h.beginAsync()
	sess.AsyncStreamWait(dev, stream, func(code protocol.Code, ret []codec.Value) {
		h.finishAsync()
		if code == protocol.CodeException {
			h.complete(h.returnException(exceptionText(ret)))
		} else {
			h.complete(h.returnVoid())
		}
		h.complete(h.switchToState(stRecvPacketNumBytes))
	})
	return nil
}

func dispatchSyscall(code protocol.Code, sess session.Session, args []codec.Value) (codec.Value, error) {
	switch code {
	case protocol.CodeGetGlobalFunc:
		return sysGetGlobalFunc(sess, args)
	case protocol.CodeFreeHandle:
		return sysFreeHandle(sess, args)
	case protocol.CodeDevSetDevice:
		return sysDevSetDevice(sess, args)
	case protocol.CodeDevGetAttr:
		return sysDevGetAttr(sess, args)
	case protocol.CodeDevAllocData:
		return sysDevAllocData(sess, args)
	case protocol.CodeDevFreeData:
		return sysDevFreeData(sess, args)
	case protocol.CodeCopyAmongRemote:
		return sysCopyAmongRemote(sess, args)
	case protocol.CodeDevAllocDataWithScope:
		return sysDevAllocDataWithScope(sess, args)
	case protocol.CodeDevCreateStream:
		return sysDevCreateStream(sess, args)
	case protocol.CodeDevFreeStream:
		return sysDevFreeStream(sess, args)
	case protocol.CodeDevSetStream:
		return sysDevSetStream(sess, args)
	case protocol.CodeDevGetCurrentStream:
		return sysDevGetCurrentStream(sess, args)
	default:
		return codec.Nil(), fmt.Errorf("unhandled syscall %v", code)
	}
}

func argKind(args []codec.Value, i int, want codec.Kind) (codec.Value, error) {
	if i >= len(args) {
		return codec.Value{}, fmt.Errorf("syscall argument %d missing", i)
	}
	if args[i].Kind != want {
		return codec.Value{}, fmt.Errorf("syscall argument %d: want %v, got %v", i, want, args[i].Kind)
	}
	return args[i], nil
}

func argStr(args []codec.Value, i int) (string, error) {
	v, err := argKind(args, i, codec.KindStr)
	return v.Str, err
}

func argInt(args []codec.Value, i int) (int64, error) {
	v, err := argKind(args, i, codec.KindInt)
	return v.Int, err
}

func argHandle(args []codec.Value, i int) (uint64, error) {
	v, err := argKind(args, i, codec.KindHandle)
	return v.Handle, err
}

func argDevice(args []codec.Value, i int) (protocol.Device, error) {
	v, err := argKind(args, i, codec.KindDevice)
	return v.Device, err
}

func argDType(args []codec.Value, i int) (protocol.DataType, error) {
	v, err := argKind(args, i, codec.KindDType)
	return v.DType, err
}

func argTensor(args []codec.Value, i int) (*protocol.Tensor, error) {
	v, err := argKind(args, i, codec.KindTensor)
	return v.Tensor, err
}

func deviceAPI(sess session.Session, dev protocol.Device) (session.DeviceAPI, error) {
	api, err := sess.GetDeviceAPI(dev, false)
	if err != nil {
		return nil, err
	}
	return api, nil
}

func sysGetGlobalFunc(sess session.Session, args []codec.Value) (codec.Value, error) {
	name, err := argStr(args, 0)
	if err != nil {
		return codec.Nil(), err
	}
	h, err := sess.GetFunction(name)
	if err != nil {
		return codec.Nil(), err
	}
	// handle 0 means "not found"; the caller distinguishes, not us
	return codec.Handle(h), nil
}

func sysFreeHandle(sess session.Session, args []codec.Value) (codec.Value, error) {
	h, err := argHandle(args, 0)
	if err != nil {
		return codec.Nil(), err
	}
	return codec.Nil(), sess.FreeHandle(h)
}

func sysDevSetDevice(sess session.Session, args []codec.Value) (codec.Value, error) {
	dev, err := argDevice(args, 0)
	if err != nil {
		return codec.Nil(), err
	}
	api, err := deviceAPI(sess, dev)
	if err != nil {
		return codec.Nil(), err
	}
	return codec.Nil(), api.SetDevice(dev)
}

func sysDevGetAttr(sess session.Session, args []codec.Value) (codec.Value, error) {
	dev, err := argDevice(args, 0)
	if err != nil {
		return codec.Nil(), err
	}
	kind, err := argInt(args, 1)
	if err != nil {
		return codec.Nil(), err
	}
	attr := protocol.AttrKind(kind)
	// existence probes must not fail on devices the session cannot serve
	api, err := sess.GetDeviceAPI(dev, attr == protocol.AttrExist)
	if err != nil {
		return codec.Nil(), err
	}
	if api == nil {
		return codec.Int(0), nil
	}
	return api.GetAttr(dev, attr)
}

func sysDevAllocData(sess session.Session, args []codec.Value) (codec.Value, error) {
	dev, err := argDevice(args, 0)
	if err != nil {
		return codec.Nil(), err
	}
	nbytes, err := argInt(args, 1)
	if err != nil {
		return codec.Nil(), err
	}
	alignment, err := argInt(args, 2)
	if err != nil {
		return codec.Nil(), err
	}
	typeHint, err := argDType(args, 3)
	if err != nil {
		return codec.Nil(), err
	}
	api, err := deviceAPI(sess, dev)
	if err != nil {
		return codec.Nil(), err
	}
	data, err := api.AllocData(dev, uint64(nbytes), uint64(alignment), typeHint)
	if err != nil {
		return codec.Nil(), err
	}
	return codec.Handle(data), nil
}

func sysDevAllocDataWithScope(sess session.Session, args []codec.Value) (codec.Value, error) {
	t, err := argTensor(args, 0)
	if err != nil {
		return codec.Nil(), err
	}
	var scope string
	if len(args) > 1 && args[1].Kind != codec.KindNil {
		if scope, err = argStr(args, 1); err != nil {
			return codec.Nil(), err
		}
	}
	api, err := deviceAPI(sess, t.Device)
	if err != nil {
		return codec.Nil(), err
	}
	data, err := api.AllocDataWithScope(t, scope)
	if err != nil {
		return codec.Nil(), err
	}
	return codec.Handle(data), nil
}

func sysDevFreeData(sess session.Session, args []codec.Value) (codec.Value, error) {
	dev, err := argDevice(args, 0)
	if err != nil {
		return codec.Nil(), err
	}
	data, err := argHandle(args, 1)
	if err != nil {
		return codec.Nil(), err
	}
	api, err := deviceAPI(sess, dev)
	if err != nil {
		return codec.Nil(), err
	}
	return codec.Nil(), api.FreeData(dev, data)
}

// sysCopyAmongRemote moves bytes between two storages that both live behind
// this session. The operating device is the non-CPU side; a copy between two
// distinct non-CPU device types has no single device that can see both ends.
func sysCopyAmongRemote(sess session.Session, args []codec.Value) (codec.Value, error) {
	from, err := argTensor(args, 0)
	if err != nil {
		return codec.Nil(), err
	}
	to, err := argTensor(args, 1)
	if err != nil {
		return codec.Nil(), err
	}
	stream, err := argHandle(args, 2)
	if err != nil {
		return codec.Nil(), err
	}
	dev := from.Device
	if dev.Type == protocol.DeviceCPU {
		dev = to.Device
	} else if to.Device.Type != protocol.DeviceCPU && to.Device.Type != dev.Type {
		return codec.Nil(), fmt.Errorf("cannot copy between devices %v and %v", from.Device, to.Device)
	}
	api, err := deviceAPI(sess, dev)
	if err != nil {
		return codec.Nil(), err
	}
	return codec.Nil(), api.CopyDataFromTo(from, to, stream)
}

func sysDevCreateStream(sess session.Session, args []codec.Value) (codec.Value, error) {
	dev, err := argDevice(args, 0)
	if err != nil {
		return codec.Nil(), err
	}
	api, err := deviceAPI(sess, dev)
	if err != nil {
		return codec.Nil(), err
	}
	stream, err := api.CreateStream(dev)
	if err != nil {
		return codec.Nil(), err
	}
	return codec.Handle(stream), nil
}

func sysDevFreeStream(sess session.Session, args []codec.Value) (codec.Value, error) {
	dev, err := argDevice(args, 0)
	if err != nil {
		return codec.Nil(), err
	}
	stream, err := argHandle(args, 1)
	if err != nil {
		return codec.Nil(), err
	}
	api, err := deviceAPI(sess, dev)
	if err != nil {
		return codec.Nil(), err
	}
	return codec.Nil(), api.FreeStream(dev, stream)
}

func sysDevSetStream(sess session.Session, args []codec.Value) (codec.Value, error) {
	dev, err := argDevice(args, 0)
	if err != nil {
		return codec.Nil(), err
	}
	stream, err := argHandle(args, 1)
	if err != nil {
		return codec.Nil(), err
	}
	api, err := deviceAPI(sess, dev)
	if err != nil {
		return codec.Nil(), err
	}
	return codec.Nil(), api.SetStream(dev, stream)
}

func sysDevGetCurrentStream(sess session.Session, args []codec.Value) (codec.Value, error) {
	dev, err := argDevice(args, 0)
	if err != nil {
		return codec.Nil(), err
	}
	api, err := deviceAPI(sess, dev)
	if err != nil {
		return codec.Nil(), err
	}
	stream, err := api.GetCurrentStream(dev)
	if err != nil {
		return codec.Nil(), err
	}
	return codec.Handle(stream), nil
}
