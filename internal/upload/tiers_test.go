package upload

import "testing"

func TestTargetResolution(t *testing.T) {
	cases := []struct {
		name         string
		srcW, srcH   int
		wantW, wantH int
	}{
		{"uhd_capped_at_1080p", 3840, 2160, 1920, 1080},
		{"1440p_capped_at_1080p", 2560, 1440, 1920, 1080},
		{"1080p_kept", 1920, 1080, 1920, 1080},
		{"720p_kept", 1280, 720, 1280, 720},
		{"576p_down_to_480p", 1024, 576, 854, 480},
		{"360p_tier", 640, 360, 640, 360},
		{"tiny_source_kept", 400, 300, 400, 300},
		{"odd_dimensions_evened", 399, 299, 398, 298},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, h := TargetResolution(tc.srcW, tc.srcH)
			if w != tc.wantW || h != tc.wantH {
				t.Errorf("TargetResolution(%d, %d) = %dx%d, want %dx%d",
					tc.srcW, tc.srcH, w, h, tc.wantW, tc.wantH)
			}
		})
	}
}

func TestTargetFrameRate(t *testing.T) {
	cases := []struct {
		fps  float64
		want int
	}{
		{23.976, 30},
		{25, 30},
		{29.97, 30},
		{30, 30},
		{50, 60},
		{59.94, 60},
		{60, 60},
		{120, 60},
	}
	for _, tc := range cases {
		if got := TargetFrameRate(tc.fps); got != tc.want {
			t.Errorf("TargetFrameRate(%v) = %d, want %d", tc.fps, got, tc.want)
		}
	}
}

func TestTargetBitrate(t *testing.T) {
	cases := []struct {
		height, fps int
		want        string
	}{
		{1080, 60, "6000k"},
		{1080, 30, "4500k"},
		{720, 60, "4500k"},
		{720, 30, "3000k"},
		{480, 30, "1500k"},
		{480, 60, "1500k"},
		{360, 30, "800k"},
		{298, 30, "800k"},
	}
	for _, tc := range cases {
		if got := TargetBitrate(tc.height, tc.fps); got != tc.want {
			t.Errorf("TargetBitrate(%d, %d) = %q, want %q", tc.height, tc.fps, got, tc.want)
		}
	}
}

func TestSelectParams(t *testing.T) {
	got := SelectParams(Metadata{Width: 3840, Height: 2160, FrameRate: 59.94})

	if got.Width != 1920 || got.Height != 1080 {
		t.Errorf("expected 1920x1080, got %dx%d", got.Width, got.Height)
	}
	if got.FrameRate != 60 {
		t.Errorf("expected 60 fps, got %d", got.FrameRate)
	}
	if got.Bitrate != "6000k" {
		t.Errorf("expected 6000k, got %q", got.Bitrate)
	}
}
