package models

// Rank is one step of the XP ladder.
type Rank struct {
	ID         int   `json:"id"`
	RequiredXP int64 `json:"required_xp"`
}

// Ranks is the default ladder, ordered by RequiredXP.
var Ranks = []Rank{
	{1, 0}, {2, 500}, {3, 1250}, {4, 2250}, {5, 3500},
	{6, 5000}, {7, 6750}, {8, 8750}, {9, 11000}, {10, 13500},
	{11, 16250}, {12, 19250}, {13, 22500}, {14, 26000}, {15, 29750},
	{16, 33750}, {17, 38000}, {18, 42500}, {19, 47250}, {20, 52250},
}

// RankForXP returns the highest rank whose threshold xp reaches.
func RankForXP(xp int64) int {
	rank := Ranks[0].ID
	for _, r := range Ranks {
		if xp >= r.RequiredXP {
			rank = r.ID
		}
	}
	return rank
}
