package identity

// ReconcileDevices folds the login history into the device list.
//
// It first marks inactive every device whose activeSession no longer names an
// active login. Then, for each active login in stored order, the first device
// with the same (IP, UserAgent) becomes the canonical match and is bound to that
// session, while any further devices with that signature are demoted. A login
// whose signature has no device yet gets a new untrusted device, which later
// logins in the same pass will match.
//
// The function is pure: inputs are not mutated, and a new device takes its id
// from the session that created it, so identical inputs give identical outputs.
func ReconcileDevices(logins []LoginRecord, devices []Device) []Device {
	out := make([]Device, len(devices), len(devices)+len(logins))
	for i, d := range devices {
		out[i] = d.clone()
	}

	active := make(map[string]struct{}, len(logins))
	for _, rec := range logins {
		if rec.Active {
			active[rec.SessionID] = struct{}{}
		}
	}

	for i := range out {
		if out[i].ActiveSession == "" {
			out[i].Active = false
			continue
		}
		if _, ok := active[out[i].ActiveSession]; !ok {
			out[i].Active = false
		}
	}

	for _, rec := range logins {
		if !rec.Active {
			continue
		}

		canonical := -1
		for i := range out {
			if !out[i].SameSignature(rec.IP, rec.UserAgent) {
				continue
			}
			if canonical < 0 {
				canonical = i
				continue
			}
			out[i].Active = false
			out[i].ActiveSession = ""
		}

		if canonical >= 0 {
			d := &out[canonical]
			d.LastActivity = rec.CreatedAt
			d.Active = true
			d.ActiveSession = rec.SessionID
			continue
		}

		out = append(out, Device{
			ID:            rec.SessionID,
			IP:            rec.IP,
			UserAgent:     rec.UserAgent,
			LastActivity:  rec.CreatedAt,
			Active:        true,
			ActiveSession: rec.SessionID,
			PastSessions:  []string{},
			Trusted:       false,
		})
	}

	return out
}

// DedupDevices collapses devices sharing a signature for display. For each
// signature the active instance wins, otherwise the most recently active one.
// Output keeps the order in which signatures first appear.
func DedupDevices(devices []Device) []Device {
	type key struct{ ip, ua string }

	pos := make(map[key]int, len(devices))
	out := make([]Device, 0, len(devices))

	for _, d := range devices {
		k := key{d.IP, d.UserAgent}
		i, seen := pos[k]
		if !seen {
			pos[k] = len(out)
			out = append(out, d.clone())
			continue
		}

		cur := out[i]
		switch {
		case d.Active && !cur.Active:
			out[i] = d.clone()
		case d.Active == cur.Active && d.LastActivity.After(cur.LastActivity):
			out[i] = d.clone()
		}
	}
	return out
}
