package media

import (
	"encoding/binary"
	"fmt"
	"strings"

	"meshroom/internal/core/ports"
	"meshroom/pkg/errors"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// MalgoDevice opens microphone capture streams through miniaudio.
// Echo cancellation and gain control are left to the OS defaults,
// which keep the raw signal intact for the analyser.
type MalgoDevice struct {
	logger *zap.SugaredLogger
}

func NewMalgoDevice(logger *zap.SugaredLogger) *MalgoDevice {
	return &MalgoDevice{logger: logger}
}

var _ ports.AudioDevice = (*MalgoDevice)(nil)

func (d *MalgoDevice) Open(deviceID string, cfg ports.AudioConfig, onPCM func(pcm []int16)) (ports.AudioCapture, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		d.logger.Debugw("miniaudio", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindDevice, "init audio context")
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	if deviceID != "" {
		id, err := d.findDevice(mctx, deviceID)
		if err != nil {
			mctx.Uninit()
			mctx.Free()
			return nil, err
		}
		deviceConfig.Capture.DeviceID = id.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			samples := make([]int16, int(frameCount)*cfg.Channels)
			for i := range samples {
				samples[i] = int16(binary.LittleEndian.Uint16(input[i*2:]))
			}
			onPCM(samples)
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		mctx.Uninit()
		mctx.Free()
		return nil, errors.Wrap(err, errors.KindDevice, fmt.Sprintf("open capture device %q", deviceID))
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		mctx.Free()
		return nil, errors.Wrap(err, errors.KindDevice, "start capture")
	}

	d.logger.Infow("microphone capture started",
		"device_id", deviceID,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels)

	return &malgoCapture{device: device, ctx: mctx}, nil
}

func (d *MalgoDevice) findDevice(mctx *malgo.AllocatedContext, deviceID string) (malgo.DeviceID, error) {
	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceID{}, errors.Wrap(err, errors.KindDevice, "enumerate capture devices")
	}
	for _, info := range infos {
		if info.Name() == deviceID || info.ID.String() == deviceID {
			return info.ID, nil
		}
	}
	return malgo.DeviceID{}, errors.NewDevice(fmt.Sprintf("capture device %q not found", deviceID))
}

type malgoCapture struct {
	device *malgo.Device
	ctx    *malgo.AllocatedContext
}

func (c *malgoCapture) Close() error {
	c.device.Uninit()
	err := c.ctx.Uninit()
	c.ctx.Free()
	return err
}
