package bus

import (
	"testing"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewLocal()

	var got1, got2 []Message
	b.Subscribe(ChannelLeader, func(m Message) { got1 = append(got1, m) })
	b.Subscribe(ChannelLeader, func(m Message) { got2 = append(got2, m) })

	b.Publish(ChannelLeader, Message{Kind: KindClaim, SenderID: "a"})

	if len(got1) != 1 || len(got2) != 1 {
		t.Fatalf("delivery counts = %d, %d; want 1, 1", len(got1), len(got2))
	}
	if got1[0].Kind != KindClaim || got1[0].SenderID != "a" {
		t.Errorf("got %+v", got1[0])
	}
	if got1[0].Sent.IsZero() {
		t.Error("Sent should be stamped on publish")
	}
}

func TestChannelsAreIsolated(t *testing.T) {
	b := NewLocal()

	var got []Message
	b.Subscribe("other.channel", func(m Message) { got = append(got, m) })

	b.Publish(ChannelLeader, Message{Kind: KindHeartbeat, SenderID: "a"})

	if len(got) != 0 {
		t.Errorf("subscriber on other channel received %d messages", len(got))
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewLocal()

	var got []Message
	cancel := b.Subscribe(ChannelLeader, func(m Message) { got = append(got, m) })
	cancel()

	b.Publish(ChannelLeader, Message{Kind: KindClaim, SenderID: "a"})

	if len(got) != 0 {
		t.Errorf("unsubscribed handler received %d messages", len(got))
	}
}

func TestPublisherReceivesOwnMessages(t *testing.T) {
	b := NewLocal()

	var got []Message
	b.Subscribe(ChannelLeader, func(m Message) { got = append(got, m) })

	// The bus does not filter by sender; electors skip their own id
	b.Publish(ChannelLeader, Message{Kind: KindHeartbeat, SenderID: "self"})

	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
}
