package session

import (
	"context"

	"chatmate/internal/identity"
)

// ListDevices returns the user's devices, one per signature.
func (s *Service) ListDevices(ctx context.Context, username string) ([]identity.Device, error) {
	u, err := s.store.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return identity.DedupDevices(u.Devices), nil
}

// SetTrustInput is an owner's trust decision for one device.
type SetTrustInput struct {
	Username string
	DeviceID string
	Trusted  bool
}

// SetTrust persists the device's trust flag and then notifies the session
// bound to the device, if any.
func (s *Service) SetTrust(ctx context.Context, in SetTrustInput) (identity.Device, error) {
	const op = "session.SetTrust"

	if in.Username == "" || in.DeviceID == "" {
		return identity.Device{}, identity.OpError{Op: op, Kind: identity.ErrInvalidInput, Msg: "username and deviceId are required"}
	}

	var (
		dev     identity.Device
		missing bool
	)
	_, _, err := s.mutate(ctx,
		func(ctx context.Context) (identity.User, error) {
			return s.store.GetByUsername(ctx, in.Username)
		},
		func(u *identity.User) bool {
			i := u.DeviceIndexByID(in.DeviceID)
			if i < 0 {
				missing = true
				return false
			}
			missing = false
			changed := u.Devices[i].Trusted != in.Trusted
			u.Devices[i].Trusted = in.Trusted
			dev = u.Devices[i]
			return changed
		},
	)
	if err != nil {
		return identity.Device{}, err
	}
	if missing {
		return identity.Device{}, identity.NotFoundError{Op: op, Resource: "device"}
	}

	if dev.ActiveSession != "" {
		s.notifier.NotifyTrustChanged(dev.ActiveSession, in.Trusted)
	}
	return dev, nil
}
