package psdf

// Marching cubes case table.
//
// Cube corner c has offset (c&1, c>>1&1, c>>2&1). The table is derived once at
// start-up: every face of the cube contributes segments joining the cut edges
// on that face, the segments close into loops, and each loop is fanned into
// triangles whose winding points from inside corners toward outside corners.
// Faces with four cut edges separate their inside corners, which is the same
// decision the neighbouring cube makes for the shared face, so the surface
// stays closed across cubes.

// cubeEdge joins corners A and B, with B = A | Axis bit.
type cubeEdge struct {
	A, B int
	Axis int // 0 = x, 1 = y, 2 = z
}

var (
	cubeEdges     [12]cubeEdge
	edgeOfCorners [8][8]int
	caseTriangles [256][][3]int
)

func init() {
	buildEdges()
	for c := 0; c < 256; c++ {
		caseTriangles[c] = buildCase(c)
	}
}

func cornerOffset(c int) [3]int {
	return [3]int{c & 1, (c >> 1) & 1, (c >> 2) & 1}
}

func buildEdges() {
	for a := range edgeOfCorners {
		for b := range edgeOfCorners[a] {
			edgeOfCorners[a][b] = -1
		}
	}
	n := 0
	for a := 0; a < 8; a++ {
		for axis := 0; axis < 3; axis++ {
			bit := 1 << axis
			if a&bit != 0 {
				continue
			}
			b := a | bit
			cubeEdges[n] = cubeEdge{A: a, B: b, Axis: axis}
			edgeOfCorners[a][b] = n
			edgeOfCorners[b][a] = n
			n++
		}
	}
}

// cubeFaces lists the six faces as corner cycles.
func cubeFaces() [6][4]int {
	var faces [6][4]int
	i := 0
	for axis := 0; axis < 3; axis++ {
		f := 1 << axis
		p, q := 1<<((axis+1)%3), 1<<((axis+2)%3)
		for _, side := range []int{0, f} {
			faces[i] = [4]int{side, side | p, side | p | q, side | q}
			i++
		}
	}
	return faces
}

func buildCase(inside int) [][3]int {
	if inside == 0 || inside == 255 {
		return nil
	}
	in := func(c int) bool { return inside&(1<<c) != 0 }

	// Adjacency between cut edges: each cut edge ends up with exactly two neighbours.
	adj := make(map[int][]int)
	link := func(a, b int) {
		adj[a] = append(adj[a], b)
		adj[b] = append(adj[b], a)
	}
	for _, face := range cubeFaces() {
		var cut []int
		for k := 0; k < 4; k++ {
			a, b := face[k], face[(k+1)%4]
			if in(a) != in(b) {
				cut = append(cut, edgeOfCorners[a][b])
			}
		}
		switch len(cut) {
		case 2:
			link(cut[0], cut[1])
		case 4:
			// Pair the two cut edges meeting at each inside corner.
			for k := 0; k < 4; k++ {
				if in(face[k]) {
					prev := edgeOfCorners[face[(k+3)%4]][face[k]]
					next := edgeOfCorners[face[k]][face[(k+1)%4]]
					link(prev, next)
				}
			}
		}
	}

	visited := make(map[int]bool)
	var tris [][3]int
	for e := 0; e < 12; e++ {
		if visited[e] || len(adj[e]) == 0 {
			continue
		}
		loop := []int{e}
		visited[e] = true
		prev, cur := -1, e
		for {
			next := adj[cur][0]
			if next == prev || visited[next] {
				next = adj[cur][1]
			}
			if visited[next] {
				break
			}
			visited[next] = true
			loop = append(loop, next)
			prev, cur = cur, next
		}
		if len(loop) < 3 {
			continue
		}
		if !outwardWinding(loop, in) {
			for i, j := 0, len(loop)-1; i < j; i, j = i+1, j-1 {
				loop[i], loop[j] = loop[j], loop[i]
			}
		}
		for k := 1; k+1 < len(loop); k++ {
			tris = append(tris, [3]int{loop[0], loop[k], loop[k+1]})
		}
	}
	return tris
}

// outwardWinding reports whether the loop's Newell normal points from its
// inside edge endpoints toward its outside edge endpoints.
func outwardWinding(loop []int, in func(int) bool) bool {
	mid := func(e int) [3]float64 {
		a, b := cornerOffset(cubeEdges[e].A), cornerOffset(cubeEdges[e].B)
		return [3]float64{float64(a[0]+b[0]) / 2, float64(a[1]+b[1]) / 2, float64(a[2]+b[2]) / 2}
	}
	var normal [3]float64
	for i := range loop {
		p, q := mid(loop[i]), mid(loop[(i+1)%len(loop)])
		normal[0] += (p[1] - q[1]) * (p[2] + q[2])
		normal[1] += (p[2] - q[2]) * (p[0] + q[0])
		normal[2] += (p[0] - q[0]) * (p[1] + q[1])
	}
	var dir [3]float64
	for _, e := range loop {
		ce := cubeEdges[e]
		inC, outC := ce.A, ce.B
		if !in(ce.A) {
			inC, outC = ce.B, ce.A
		}
		o, i := cornerOffset(outC), cornerOffset(inC)
		for k := 0; k < 3; k++ {
			dir[k] += float64(o[k] - i[k])
		}
	}
	return normal[0]*dir[0]+normal[1]*dir[1]+normal[2]*dir[2] > 0
}
