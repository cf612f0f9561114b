package pointcloud

import (
	"sort"
	"testing"

	"gotest.tools/assert"

	"pointnet-trainer/internal/tensor"
)

func TestAllZeroImageIsPadding(t *testing.T) {
	imgs, err := tensor.FromSlice([]float64{
		0, 0, 0,
		0, 0, 0,

		0, 2, 0,
		0, 0, 3,
	}, 2, 2, 3)
	assert.NilError(t, err)

	cloud, err := Densify(imgs)
	assert.NilError(t, err)
	assert.DeepEqual(t, cloud.Points.Shape(), []int{2, 2, 3})
	assert.DeepEqual(t, cloud.Counts, []int{0, 2})
	for _, v := range cloud.Example(0) {
		assert.Equal(t, v, 0.0)
	}
	assert.DeepEqual(t, cloud.Example(1), []float64{0, 1, 2, 1, 2, 3})
}

func TestBatchOfEmptyImages(t *testing.T) {
	cloud, err := Densify(tensor.New(3, 4, 4))
	assert.NilError(t, err)
	assert.DeepEqual(t, cloud.Points.Shape(), []int{3, 0, 3})
	assert.Equal(t, cloud.Points.Len(), 0)
}

func TestPaddingToLargestImage(t *testing.T) {
	a, _ := tensor.FromSlice([]float64{0, 0, 0, 0, 0, 0, 0, 0, 5}, 3, 3)
	b, _ := tensor.FromSlice([]float64{1, 0, 7, 0, 0, 0, 0, 0.5, 0}, 3, 3)
	c, _ := tensor.FromSlice([]float64{0, 4, 0, 0, 0, 0, 0, 0, 0}, 3, 3)

	cloud, err := FromImages([]*tensor.Dense{a, b, c})
	assert.NilError(t, err)
	assert.Equal(t, cloud.MaxPoints(), 3)
	assert.Equal(t, cloud.Channels(), 3)

	wants := [][][3]float64{
		{{2, 2, 5}},
		{{0, 0, 1}, {0, 2, 7}, {2, 1, 0.5}},
		{{0, 1, 4}},
	}
	for i, want := range wants {
		got := rowsOf(cloud, i)
		assert.DeepEqual(t, sortRows(got[:cloud.Counts[i]]), sortRows(want))
		for _, pad := range got[cloud.Counts[i]:] {
			assert.Equal(t, pad, [3]float64{})
		}
	}
}

func TestScanOrderIsRowMajorAndStable(t *testing.T) {
	img, _ := tensor.FromSlice([]float64{0, 1, 2, 0, 3, 0, 4, 0}, 1, 2, 2, 2)
	first, err := Densify(img)
	assert.NilError(t, err)
	second, err := Densify(img)
	assert.NilError(t, err)
	assert.DeepEqual(t, first.Points.Data(), second.Points.Data())
	assert.DeepEqual(t, first.Points.Data(), []float64{
		0, 0, 1, 1,
		0, 1, 0, 2,
		1, 0, 0, 3,
		1, 1, 0, 4,
	})
}

func TestMaskMarksRealPoints(t *testing.T) {
	imgs, _ := tensor.FromSlice([]float64{0, 0, 1, 2}, 2, 2)
	cloud, err := Densify(imgs)
	assert.NilError(t, err)
	assert.DeepEqual(t, cloud.Mask().Data(), []float64{0, 0, 1, 1})
}

func TestDensifyRejectsUnbatchedInput(t *testing.T) {
	_, err := Densify(tensor.New(4))
	assert.ErrorContains(t, err, "batch")
}

func rowsOf(c *Cloud, b int) [][3]float64 {
	ex := c.Example(b)
	out := make([][3]float64, c.MaxPoints())
	for i := range out {
		copy(out[i][:], ex[i*3:(i+1)*3])
	}
	return out
}

func sortRows(rows [][3]float64) [][3]float64 {
	out := append([][3]float64(nil), rows...)
	sort.Slice(out, func(i, j int) bool {
		for k := 0; k < 3; k++ {
			if out[i][k] != out[j][k] {
				return out[i][k] < out[j][k]
			}
		}
		return false
	})
	return out
}
