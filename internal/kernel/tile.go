package kernel

// Tile is the padded, power-of-two shaped block one program owns, together
// with the validity mask that reconciles it with the true matrix shape.
//
// Rows and Cols hold wrapped source indices, so every load address stays in
// bounds even for padding lanes. RowValid and ColValid mark the lanes that
// map to real output elements; only those are reduced over and stored.
type Tile struct {
	RowTile int
	M, N    int

	PaddedM, PaddedN int

	Rows     []int
	Cols     []int
	RowValid []bool
	ColValid []bool
}

// NextPow2 returns the smallest power of two >= v (1 for v <= 1).
func NextPow2(v int) int {
	p := 1
	for p < v {
		p <<= 1
	}
	return p
}

// NewTile maps row tile t of an m×n problem onto a padded tile.
func NewTile(t, m, n int) Tile {
	pm := NextPow2(m)
	pn := NextPow2(n)
	tile := Tile{
		RowTile:  t,
		M:        m,
		N:        n,
		PaddedM:  pm,
		PaddedN:  pn,
		Rows:     make([]int, pm),
		Cols:     make([]int, pn),
		RowValid: make([]bool, pm),
		ColValid: make([]bool, pn),
	}
	for i := 0; i < pm; i++ {
		global := t*m + i
		if m > 0 {
			tile.Rows[i] = global % m
		}
		tile.RowValid[i] = global < m
	}
	for j := 0; j < pn; j++ {
		if n > 0 {
			tile.Cols[j] = j % n
		}
		tile.ColValid[j] = j < n
	}
	return tile
}

// RowTiles is the number of tiles along the row axis.
func RowTiles(m int) int {
	pm := NextPow2(m)
	return (m + pm - 1) / pm
}

// Valid reports whether padded lane (i, j) maps to a real element.
func (t *Tile) Valid(i, j int) bool {
	return t.RowValid[i] && t.ColValid[j]
}

// GlobalRow is the output row padded lane i stores to.
func (t *Tile) GlobalRow(i int) int {
	return t.RowTile*t.M + i
}

// ValidRows counts the lanes with RowValid set.
func (t *Tile) ValidRows() int {
	n := 0
	for _, ok := range t.RowValid {
		if ok {
			n++
		}
	}
	return n
}
