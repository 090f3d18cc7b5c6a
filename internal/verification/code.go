package verification

import "fmt"

// Emoji is one entry of the short code emoji alphabet.
type Emoji struct {
	Symbol string
	Name   string
}

// emojiAlphabet is the fixed 64-entry table. Both parties index it with the
// same 6-bit groups, so order is load-bearing.
var emojiAlphabet = [64]Emoji{
	{"🐶", "Dog"}, {"🐱", "Cat"}, {"🦁", "Lion"}, {"🐎", "Horse"},
	{"🦄", "Unicorn"}, {"🐷", "Pig"}, {"🐘", "Elephant"}, {"🐰", "Rabbit"},
	{"🐼", "Panda"}, {"🐓", "Rooster"}, {"🐧", "Penguin"}, {"🐢", "Turtle"},
	{"🐟", "Fish"}, {"🐙", "Octopus"}, {"🦋", "Butterfly"}, {"🌷", "Flower"},
	{"🌳", "Tree"}, {"🌵", "Cactus"}, {"🍄", "Mushroom"}, {"🌏", "Globe"},
	{"🌙", "Moon"}, {"☁️", "Cloud"}, {"🔥", "Fire"}, {"🍌", "Banana"},
	{"🍎", "Apple"}, {"🍓", "Strawberry"}, {"🌽", "Corn"}, {"🍕", "Pizza"},
	{"🎂", "Cake"}, {"❤️", "Heart"}, {"😀", "Smiley"}, {"🤖", "Robot"},
	{"🎩", "Hat"}, {"👓", "Glasses"}, {"🔧", "Spanner"}, {"🎅", "Santa"},
	{"👍", "Thumbs Up"}, {"☂️", "Umbrella"}, {"⌛", "Hourglass"}, {"⏰", "Clock"},
	{"🎁", "Gift"}, {"💡", "Light Bulb"}, {"📕", "Book"}, {"✏️", "Pencil"},
	{"📎", "Paperclip"}, {"✂️", "Scissors"}, {"🔒", "Lock"}, {"🔑", "Key"},
	{"🔨", "Hammer"}, {"☎️", "Telephone"}, {"🏁", "Flag"}, {"🚂", "Train"},
	{"🚲", "Bicycle"}, {"✈️", "Aeroplane"}, {"🚀", "Rocket"}, {"🏆", "Trophy"},
	{"⚽", "Ball"}, {"🎸", "Guitar"}, {"🎺", "Trumpet"}, {"🔔", "Bell"},
	{"⚓", "Anchor"}, {"🎧", "Headphones"}, {"📁", "Folder"}, {"📌", "Pin"},
}

// decimalCode renders the first five derived bytes as three four-digit
// numbers: 13-bit groups, each offset by 1000.
func decimalCode(b []byte) (string, error) {
	if len(b) < 5 {
		return "", fmt.Errorf("verification: decimal code needs 5 bytes, got %d", len(b))
	}
	x1 := int(b[0])<<5 | int(b[1])>>3
	x2 := (int(b[1])&0x7)<<10 | int(b[2])<<2 | int(b[3])>>6
	x3 := (int(b[3])&0x3f)<<7 | int(b[4])>>1
	return fmt.Sprintf("%d %d %d", x1+1000, x2+1000, x3+1000), nil
}

// emojiCode renders the first six derived bytes as seven emoji: 6-bit
// groups indexing the fixed alphabet.
func emojiCode(b []byte) ([]Emoji, error) {
	if len(b) < 6 {
		return nil, fmt.Errorf("verification: emoji code needs 6 bytes, got %d", len(b))
	}
	indices := [7]int{
		int(b[0]) >> 2,
		(int(b[0])&0x3)<<4 | int(b[1])>>4,
		(int(b[1])&0xf)<<2 | int(b[2])>>6,
		int(b[2]) & 0x3f,
		int(b[3]) >> 2,
		(int(b[3])&0x3)<<4 | int(b[4])>>4,
		(int(b[4])&0xf)<<2 | int(b[5])>>6,
	}
	out := make([]Emoji, 0, len(indices))
	for _, i := range indices {
		out = append(out, emojiAlphabet[i])
	}
	return out, nil
}
