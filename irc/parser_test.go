package irc

import (
	"fmt"
	"reflect"
	"testing"
)

const privmsgLine = "@badge-info=;badges=subscriber/12,premium/1;color=#FF0000;display-name=Foo;" +
	"emotes=;mod=0;room-id=12345;user-id=67890;user-type= " +
	":foo!foo@foo.tmi.twitch.tv PRIVMSG #coolchannel :hi there"

func TestParsePrivmsg(t *testing.T) {
	payload := Parse(privmsgLine)

	if payload.Action != "PRIVMSG" {
		t.Errorf("Expected action PRIVMSG, but got %q", payload.Action)
	}

	if payload.Channel != "coolchannel" {
		t.Errorf("Expected channel coolchannel, but got %q", payload.Channel)
	}

	if payload.User != "foo" {
		t.Errorf("Expected user foo, but got %q", payload.User)
	}

	if payload.Message != "hi there" {
		t.Errorf("Expected message %q, but got %q", "hi there", payload.Message)
	}

	if payload.Code != CodeCommand {
		t.Errorf("Expected code 200, but got %d", payload.Code)
	}
}

func TestParseBadgeDecomposition(t *testing.T) {
	payload := Parse(privmsgLine)

	expected := map[string]string{"subscriber": "12", "premium": "1"}

	if !reflect.DeepEqual(payload.Badges, expected) {
		t.Errorf("Expected badges %v, but got %v", expected, payload.Badges)
	}

	if payload.Tags["display-name"] == "" {
		t.Errorf("Expected a non-empty display-name tag")
	}
}

func TestParsePrivmsgColonSafety(t *testing.T) {
	line := ":foo!foo@foo.tmi.twitch.tv PRIVMSG #chan :a: b: c"

	payload := Parse(line)

	if payload.Message != "a: b: c" {
		t.Errorf("Expected message %q, but got %q", "a: b: c", payload.Message)
	}
}

func TestParseNoTagsYieldsEmptyMaps(t *testing.T) {
	payload := Parse(":foo!foo@foo.tmi.twitch.tv JOIN #chan")

	if payload.Tags == nil || len(payload.Tags) != 0 {
		t.Errorf("Expected empty tags map, but got %v", payload.Tags)
	}

	if payload.Badges == nil || len(payload.Badges) != 0 {
		t.Errorf("Expected empty badges map, but got %v", payload.Badges)
	}
}

func TestParseNamesReply(t *testing.T) {
	line := ":justinfan123.tmi.twitch.tv 353 justinfan123 = #coolchannel :alpha bravo charlie delta"

	payload := Parse(line)

	if payload.Code != CodeNames {
		t.Errorf("Expected code 353, but got %d", payload.Code)
	}

	if len(payload.Names) != 4 {
		t.Errorf("Expected 4 names, but got %v", payload.Names)
	}

	if payload.Message != "" {
		t.Errorf("Expected no message on a NAMES reply, but got %q", payload.Message)
	}

	if payload.User != "justinfan123" {
		t.Errorf("Expected user justinfan123, but got %q", payload.User)
	}

	if payload.Channel != "coolchannel" {
		t.Errorf("Expected channel coolchannel, but got %q", payload.Channel)
	}

	if payload.Action != "" {
		t.Errorf("Expected no action on a numeric reply, but got %q", payload.Action)
	}
}

func TestParseLoginReply(t *testing.T) {
	payload := Parse(":tmi.twitch.tv 001 somenick :Welcome, GLHF!")

	if payload.Code != 1 {
		t.Errorf("Expected code 1, but got %d", payload.Code)
	}

	if payload.Action != "" {
		t.Errorf("Expected no action on a numeric reply, but got %q", payload.Action)
	}
}

func TestParsePing(t *testing.T) {
	payload := Parse("PING :tmi.twitch.tv")

	if payload.Action != "PING" {
		t.Errorf("Expected action PING, but got %q", payload.Action)
	}
}

func TestParseLinesOrderAndCount(t *testing.T) {
	blob := ":foo!foo@foo.tmi.twitch.tv JOIN #one\r\n" +
		":bar!bar@bar.tmi.twitch.tv JOIN #two"

	payloads := ParseLines(blob)

	if len(payloads) != 2 {
		t.Errorf("Expected 2 payloads, but got %d", len(payloads))
	}

	if payloads[0].Channel != "one" || payloads[1].Channel != "two" {
		t.Errorf("Expected input order preserved, but got %q then %q",
			payloads[0].Channel, payloads[1].Channel)
	}
}

func TestParseLinesEmpty(t *testing.T) {
	if payloads := ParseLines(""); len(payloads) != 0 {
		t.Errorf("Expected no payloads for empty input, but got %d", len(payloads))
	}
}

func TestParseRoundTrip(t *testing.T) {
	payload := Parse(":foo!foo@foo.tmi.twitch.tv PRIVMSG #chan :hello world")

	line := fmt.Sprintf(":%s!%s@%s.tmi.twitch.tv %s #%s :%s",
		payload.User, payload.User, payload.User, payload.Action, payload.Channel, payload.Message)

	reparsed := Parse(line)

	if reparsed.Action != payload.Action ||
		reparsed.Channel != payload.Channel ||
		reparsed.Message != payload.Message {
		t.Errorf("Expected round trip to preserve action/channel/message, but got %+v", reparsed)
	}
}

func TestParseUserstateTags(t *testing.T) {
	line := "@badge-info=;badges=;color=;display-name=Foo;emote-sets=0;mod=0;subscriber=0;user-type= " +
		":tmi.twitch.tv USERSTATE #chan"

	payload := Parse(line)

	if payload.Action != "USERSTATE" {
		t.Errorf("Expected action USERSTATE, but got %q", payload.Action)
	}

	if len(payload.Badges) != 0 {
		t.Errorf("Expected no badges for an empty badges tag, but got %v", payload.Badges)
	}
}
