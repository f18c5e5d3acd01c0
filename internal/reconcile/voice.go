package reconcile

import (
	"maps"
	"slices"

	"github.com/Gopher0727/chatsync/internal/event"
	"github.com/Gopher0727/chatsync/internal/model"
)

// Roster maps a voice channel to its connected participants in join order.
type Roster map[model.VoiceKey][]model.VoiceParticipant

func (r Roster) with(key model.VoiceKey, list []model.VoiceParticipant) Roster {
	out := cloneOrNew(r)
	if len(list) == 0 {
		delete(out, key)
	} else {
		out[key] = list
	}
	return out
}

// ApplyVoiceSync replaces one channel's roster with the snapshot. If the
// snapshot lists a user more than once the last session wins.
func ApplyVoiceSync(r Roster, ev event.VoiceSync) Roster {
	list := make([]model.VoiceParticipant, 0, len(ev.Participants))
	for _, p := range ev.Participants {
		list = slices.DeleteFunc(list, func(q model.VoiceParticipant) bool { return q.UserID == p.UserID })
		list = append(list, p)
	}
	if slices.Equal(r[ev.Key], list) {
		return r
	}
	return r.with(ev.Key, list)
}

// ApplyVoiceJoin records a new session. Any earlier session of the same user
// in this channel is superseded: only the newest identity is current.
func ApplyVoiceJoin(r Roster, ev event.VoiceJoin) Roster {
	cur := r[ev.Key]
	p := ev.Participant
	if i := slices.IndexFunc(cur, func(q model.VoiceParticipant) bool {
		return q.UserID == p.UserID && q.Identity == p.Identity
	}); i >= 0 {
		if cur[i] == p {
			return r
		}
		list := slices.Clone(cur)
		list[i] = p
		return r.with(ev.Key, list)
	}
	list := slices.DeleteFunc(slices.Clone(cur), func(q model.VoiceParticipant) bool { return q.UserID == p.UserID })
	return r.with(ev.Key, append(list, p))
}

// patchParticipant applies fn to the (user, identity) entry. An absent pair
// leaves the roster untouched.
func patchParticipant(r Roster, key model.VoiceKey, user model.UserID, identity string, fn func(*model.VoiceParticipant)) Roster {
	cur := r[key]
	i := slices.IndexFunc(cur, func(q model.VoiceParticipant) bool {
		return q.UserID == user && q.Identity == identity
	})
	if i < 0 {
		return r
	}
	p := cur[i]
	fn(&p)
	if p == cur[i] {
		return r
	}
	list := slices.Clone(cur)
	list[i] = p
	return r.with(key, list)
}

func ApplyVoiceUpdate(r Roster, ev event.VoiceUpdate) Roster {
	return patchParticipant(r, ev.Key, ev.UserID, ev.Identity, func(p *model.VoiceParticipant) {
		if ev.Fields.Muted != nil {
			p.Muted = *ev.Fields.Muted
		}
		if ev.Fields.Deafened != nil {
			p.Deafened = *ev.Fields.Deafened
		}
	})
}

func setStream(p *model.VoiceParticipant, kind model.StreamKind, on bool) {
	switch kind {
	case model.StreamAudio:
		p.PublishingAudio = on
	case model.StreamVideo:
		p.PublishingVideo = on
	case model.StreamScreen:
		p.PublishingScreen = on
	}
}

func ApplyStreamPublish(r Roster, ev event.StreamPublish) Roster {
	return patchParticipant(r, ev.Key, ev.UserID, ev.Identity, func(p *model.VoiceParticipant) {
		setStream(p, ev.Stream, true)
	})
}

func ApplyStreamUnpublish(r Roster, ev event.StreamUnpublish) Roster {
	return patchParticipant(r, ev.Key, ev.UserID, ev.Identity, func(p *model.VoiceParticipant) {
		setStream(p, ev.Stream, false)
	})
}

// ApplyVoiceLeave removes the user only while the leaving identity is still
// the one on record. A late leave for a session that a rejoin already
// replaced must not disconnect the newer session.
func ApplyVoiceLeave(r Roster, ev event.VoiceLeave) Roster {
	cur := r[ev.Key]
	i := slices.IndexFunc(cur, func(q model.VoiceParticipant) bool { return q.UserID == ev.UserID })
	if i < 0 || cur[i].Identity != ev.Identity {
		return r
	}
	return r.with(ev.Key, slices.Delete(slices.Clone(cur), i, i+1))
}

// DropGuildRosters removes every roster that belongs to guild.
func DropGuildRosters(r Roster, guild model.GuildID) Roster {
	match := func(k model.VoiceKey, _ []model.VoiceParticipant) bool { return k.GuildID == guild }
	found := false
	for k, v := range r {
		if match(k, v) {
			found = true
			break
		}
	}
	if !found {
		return r
	}
	out := maps.Clone(r)
	maps.DeleteFunc(out, match)
	return out
}
