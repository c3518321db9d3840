package golin

import (
	"errors"
	"math"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestNewFrame(t *testing.T) {
	Convey("Frames are validated on construction", t, func() {
		Convey("The full id range is accepted", func() {
			_, err := NewFrame(0, nil)
			So(err, ShouldBeNil)
			_, err = NewFrame(MaxID, nil)
			So(err, ShouldBeNil)
		})

		Convey("Ids above 0x3F are rejected", func() {
			_, err := NewFrame(0x40, nil)
			So(errors.Is(err, ErrInvalidID), ShouldBeTrue)
		})

		Convey("More than 8 data bytes are rejected", func() {
			_, err := NewFrame(0x10, make([]byte, 9))
			So(errors.Is(err, ErrInvalidLength), ShouldBeTrue)
		})

		Convey("Negative and NaN timestamps are rejected", func() {
			_, err := NewFrame(0x10, nil, OptTimestamp(-1))
			So(errors.Is(err, ErrInvalidTimestamp), ShouldBeTrue)
			_, err = NewFrame(0x10, nil, OptTimestamp(math.NaN()))
			So(errors.Is(err, ErrInvalidTimestamp), ShouldBeTrue)
		})

		Convey("MustFrame panics on invalid input", func() {
			So(func() { MustFrame(0xFF, nil) }, ShouldPanic)
		})
	})
}

func TestFrameImmutable(t *testing.T) {
	Convey("A frame does not alias caller memory", t, func() {
		data := []byte{1, 2, 3}
		f := MustFrame(0x10, data)

		data[0] = 0xFF
		So(f.Data(), ShouldResemble, []byte{1, 2, 3})

		out := f.Data()
		out[1] = 0xFF
		So(f.Data(), ShouldResemble, []byte{1, 2, 3})
		So(f.Len(), ShouldEqual, 3)
	})
}

func TestFrameAccessors(t *testing.T) {
	Convey("Options end up in the accessors", t, func() {
		f := MustFrame(0x21, []byte{0xAA}, OptTimestamp(1.5), OptChecksum(0x55), OptDirection(Tx), OptChannel("LIN1"), OptErrorFrame)
		So(f.ID(), ShouldEqual, uint8(0x21))
		So(f.Timestamp(), ShouldEqual, 1.5)
		cs, ok := f.Checksum()
		So(ok, ShouldBeTrue)
		So(cs, ShouldEqual, uint8(0x55))
		So(f.Direction(), ShouldEqual, Tx)
		So(f.IsRx(), ShouldBeFalse)
		So(f.Channel(), ShouldEqual, "LIN1")
		So(f.IsError(), ShouldBeTrue)

		Convey("Defaults are an Rx frame without checksum", func() {
			d := MustFrame(0x01, nil)
			_, ok := d.Checksum()
			So(ok, ShouldBeFalse)
			So(d.IsRx(), ShouldBeTrue)
			So(d.IsError(), ShouldBeFalse)
		})
	})
}

func TestFrameEqual(t *testing.T) {
	Convey("Frame comparison", t, func() {
		a := MustFrame(0x10, []byte{1, 2}, OptTimestamp(1.0), OptChannel("LIN1"))

		Convey("Timestamps within the delta match", func() {
			b := MustFrame(0x10, []byte{1, 2}, OptTimestamp(1.0005), OptChannel("LIN1"))
			So(a.Equal(b, 0.001, true), ShouldBeTrue)
			So(a.Equal(b, 0.0001, true), ShouldBeFalse)
			So(a.Equal(b, -1, true), ShouldBeTrue)
		})

		Convey("Data and id must match", func() {
			So(a.Equal(MustFrame(0x10, []byte{1, 3}, OptTimestamp(1.0)), -1, true), ShouldBeFalse)
			So(a.Equal(MustFrame(0x11, []byte{1, 2}, OptTimestamp(1.0)), -1, true), ShouldBeFalse)
		})

		Convey("Direction is only compared on request", func() {
			b := MustFrame(0x10, []byte{1, 2}, OptTimestamp(1.0), OptDirection(Tx))
			So(a.Equal(b, -1, true), ShouldBeFalse)
			So(a.Equal(b, -1, false), ShouldBeTrue)
		})

		Convey("An empty channel matches any channel", func() {
			b := MustFrame(0x10, []byte{1, 2}, OptChannel("LIN2"))
			c := MustFrame(0x10, []byte{1, 2})
			So(a.Equal(b, -1, true), ShouldBeFalse)
			So(a.Equal(c, -1, true), ShouldBeTrue)
		})
	})
}

func TestFrameString(t *testing.T) {
	f := MustFrame(0x11, []byte{0x11, 0x22}, OptTimestamp(2.25), OptChecksum(0x3C))
	s := f.String()
	for _, want := range []string{"Frame ID: 11", "Data: 11 22", "Length: 2", "Checksum: 3C", "Channel: -", "Rx"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
	if !strings.Contains(MustFrame(0x01, nil).String(), "Checksum: --") {
		t.Error("missing checksum placeholder")
	}
}
