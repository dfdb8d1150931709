package verification

import "fmt"

// Emoji is one entry of the 64-symbol SAS emoji table: a glyph plus its
// short description, used together as the shared auth string.
type Emoji struct {
	Symbol      string
	Description string
}

// emojiTable is the fixed 64-entry mapping from a 6-bit index to its
// emoji and description, in the order the Matrix spec defines them.
var emojiTable = [64]Emoji{
	{"🐶", "Dog"}, {"🐱", "Cat"}, {"🦁", "Lion"}, {"🐎", "Horse"},
	{"🦄", "Unicorn"}, {"🐷", "Pig"}, {"🐘", "Elephant"}, {"🐰", "Rabbit"},
	{"🐼", "Panda"}, {"🐓", "Rooster"}, {"🐧", "Penguin"}, {"🐢", "Turtle"},
	{"🐟", "Fish"}, {"🐙", "Octopus"}, {"🦋", "Butterfly"}, {"🌷", "Flower"},
	{"🌳", "Tree"}, {"🌵", "Cactus"}, {"🍄", "Mushroom"}, {"🌏", "Globe"},
	{"🌙", "Moon"}, {"☁️", "Cloud"}, {"🔥", "Fire"}, {"🍌", "Banana"},
	{"🍎", "Apple"}, {"🍓", "Strawberry"}, {"🌽", "Corn"}, {"🍕", "Pizza"},
	{"🎂", "Cake"}, {"❤️", "Heart"}, {"😀", "Smiley"}, {"🤖", "Robot"},
	{"🎩", "Hat"}, {"👓", "Glasses"}, {"🔧", "Wrench"}, {"🎅", "Santa"},
	{"👍", "Thumbs Up"}, {"☂️", "Umbrella"}, {"⌛", "Hourglass"}, {"⏰", "Clock"},
	{"🎁", "Gift"}, {"💡", "Light Bulb"}, {"📕", "Book"}, {"✏️", "Pencil"},
	{"📎", "Paperclip"}, {"✂️", "Scissors"}, {"🔒", "Lock"}, {"🔑", "Key"},
	{"🔨", "Hammer"}, {"☎️", "Telephone"}, {"🏁", "Flag"}, {"🚂", "Train"},
	{"🚲", "Bicycle"}, {"✈️", "Airplane"}, {"🚀", "Rocket"}, {"🏆", "Trophy"},
	{"⚽", "Ball"}, {"🎸", "Guitar"}, {"🎺", "Trumpet"}, {"🔔", "Bell"},
	{"⚓", "Anchor"}, {"🎧", "Headphones"}, {"📁", "Folder"}, {"📌", "Pin"},
}

// EmojiSAS converts the 7 6-bit groups derived from a shared secret's
// first 42 bits into the corresponding emoji sequence.
func EmojiSAS(sixBitGroups [7]uint8) [7]Emoji {
	var out [7]Emoji
	for i, v := range sixBitGroups {
		out[i] = emojiTable[v&0x3f]
	}
	return out
}

// DecimalSAS converts three 13-bit groups derived from a shared secret's
// first 39 bits into the three-number decimal representation, each
// offset by 1000 per the SAS decimal encoding (range 1000-9191 per group).
func DecimalSAS(thirteenBitGroups [3]uint16) [3]int {
	return [3]int{
		int(thirteenBitGroups[0]&0x1fff) + 1000,
		int(thirteenBitGroups[1]&0x1fff) + 1000,
		int(thirteenBitGroups[2]&0x1fff) + 1000,
	}
}

// BitsFromSharedSecret unpacks the first 6 bytes of an HKDF output into the
// 6-bit (emoji) or 13-bit (decimal) groups the two SAS presentations
// need, per the Matrix spec's bit-packing of the first 42/39 bits.
func BitsFromSharedSecret(secret []byte) (sixBit [7]uint8, thirteenBit [3]uint16, err error) {
	if len(secret) < 6 {
		return sixBit, thirteenBit, fmt.Errorf("verification: shared secret too short: %d bytes", len(secret))
	}
	bits := make([]byte, 0, len(secret)*8)
	for _, b := range secret[:6] {
		for i := 7; i >= 0; i-- {
			bits = append(bits, (b>>uint(i))&1)
		}
	}
	for i := 0; i < 7; i++ {
		var v uint8
		for j := 0; j < 6; j++ {
			v = v<<1 | bits[i*6+j]
		}
		sixBit[i] = v
	}
	for i := 0; i < 3; i++ {
		var v uint16
		for j := 0; j < 13; j++ {
			v = v<<1 | uint16(bits[i*13+j])
		}
		thirteenBit[i] = v
	}
	return sixBit, thirteenBit, nil
}
