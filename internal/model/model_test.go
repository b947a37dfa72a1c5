package model

import "testing"

func TestScoreEvent_Valid(t *testing.T) {
	valid := ScoreEvent{
		UserID: "u1", Username: "alice", Language: "english",
		LeaderboardMode: ModeGlobal, WPM: 80, Accuracy: 97.5,
	}
	if !valid.Valid() {
		t.Fatal("expected valid event to pass")
	}

	cases := []ScoreEvent{
		{Username: "alice", Language: "english", LeaderboardMode: ModeGlobal, WPM: 80, Accuracy: 97},
		{UserID: "u1", Language: "english", LeaderboardMode: ModeGlobal, WPM: 80, Accuracy: 97},
		{UserID: "u1", Username: "alice", LeaderboardMode: ModeGlobal, WPM: 80, Accuracy: 97},
		{UserID: "u1", Username: "alice", Language: "english", WPM: 80, Accuracy: 97},
		{UserID: "u1", Username: "alice", Language: "english", LeaderboardMode: ModeGlobal, WPM: 0, Accuracy: 97},
		{UserID: "u1", Username: "alice", Language: "english", LeaderboardMode: ModeGlobal, WPM: 80, Accuracy: -1},
		{UserID: "u1", Username: "alice", Language: "english", LeaderboardMode: ModeGlobal, WPM: 80, Accuracy: 101},
	}
	for i, c := range cases {
		if c.Valid() {
			t.Errorf("case %d: expected invalid event to fail", i)
		}
	}
}

func TestRaceStatus_CanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to RaceStatus
		want     bool
	}{
		{RaceWaiting, RaceCountdown, true},
		{RaceCountdown, RaceRacing, true},
		{RaceRacing, RaceFinished, true},
		{RaceRacing, RaceWaiting, false},
		{RaceFinished, RaceRacing, false},
		{RaceWaiting, RaceCancelled, true},
		{RaceRacing, RaceCancelled, true},
		{RaceFinished, RaceCancelled, false},
		{RaceCancelled, RaceCancelled, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.want {
			t.Errorf("%s -> %s: expected %v, got %v", c.from, c.to, c.want, got)
		}
	}
}
