// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

// allEmojis and allEmojiDescriptions are parallel tables indexed by the
// 6-bit groups of the SAS bytes. The descriptions are the canonical English
// names, clients are expected to translate them for display.
var allEmojis = []rune{
	'🐶',
	'🐱',
	'🦁',
	'🐎',
	'🦄',
	'🐷',
	'🐘',
	'🐰',
	'🐼',
	'🐓',
	'🐧',
	'🐢',
	'🐟',
	'🐙',
	'🦋',
	'🌷',
	'🌳',
	'🌵',
	'🍄',
	'🌏',
	'🌙',
	'☁',
	'🔥',
	'🍌',
	'🍎',
	'🍓',
	'🌽',
	'🍕',
	'🎂',
	'❤',
	'😀',
	'🤖',
	'🎩',
	'👓',
	'🔧',
	'🎅',
	'👍',
	'☂',
	'⌛',
	'⏰',
	'🎁',
	'💡',
	'📕',
	'✏',
	'📎',
	'✂',
	'🔒',
	'🔑',
	'🔨',
	'☎',
	'🏁',
	'🚂',
	'🚲',
	'✈',
	'🚀',
	'🏆',
	'⚽',
	'🎸',
	'🎺',
	'🔔',
	'⚓',
	'🎧',
	'📁',
	'📌',
}

var allEmojiDescriptions = []string{
	"Dog",
	"Cat",
	"Lion",
	"Horse",
	"Unicorn",
	"Pig",
	"Elephant",
	"Rabbit",
	"Panda",
	"Rooster",
	"Penguin",
	"Turtle",
	"Fish",
	"Octopus",
	"Butterfly",
	"Flower",
	"Tree",
	"Cactus",
	"Mushroom",
	"Globe",
	"Moon",
	"Cloud",
	"Fire",
	"Banana",
	"Apple",
	"Strawberry",
	"Corn",
	"Pizza",
	"Cake",
	"Heart",
	"Smiley",
	"Robot",
	"Hat",
	"Glasses",
	"Spanner",
	"Santa",
	"Thumbs Up",
	"Umbrella",
	"Hourglass",
	"Clock",
	"Gift",
	"Light Bulb",
	"Book",
	"Pencil",
	"Paperclip",
	"Scissors",
	"Lock",
	"Key",
	"Hammer",
	"Telephone",
	"Flag",
	"Train",
	"Bicycle",
	"Aeroplane",
	"Rocket",
	"Trophy",
	"Ball",
	"Guitar",
	"Trumpet",
	"Bell",
	"Anchor",
	"Headphones",
	"Folder",
	"Pin",
}
